package ws

import (
	"context"
	"errors"
	"io"

	"github.com/gobwas/ws"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
)

// MessageHandler receives every complete data message read from a session.
type MessageHandler interface {
	HandleIncoming(ctx context.Context, sess presence.Session, raw []byte) error
}

// errClosedByPeer marks a removal requested by a close frame.
var errClosedByPeer = errors.New("ws: closed by peer")

// dispatchFrame handles one frame whose header has already been read.
// Control frames are answered in place; data messages are queued on the
// session's inbox. It
// returns a non-nil error when the connection must be removed.
func (s *Server) dispatchFrame(c *Connection, header ws.Header, payload io.Reader) error {
	if header.OpCode.IsControl() {
		// Control payloads are at most 125 bytes and must be drained before
		// the next frame header.
		body, err := io.ReadAll(payload)
		if err != nil {
			return err
		}
		switch header.OpCode {
		case ws.OpPong:
			s.handlePong(c)
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(body)); err != nil {
				return err
			}
		case ws.OpClose:
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return errClosedByPeer
		}
		return nil
	}

	if header.OpCode == ws.OpBinary {
		// Binary messages are not part of the protocol; drain and ignore.
		_, err := io.Copy(io.Discard, payload)
		return err
	}

	data, err := io.ReadAll(io.LimitReader(payload, s.config.MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.config.MaxMessageBytes {
		return errMessageTooLarge
	}
	if len(data) == 0 {
		return nil
	}

	if err := c.enqueue(data); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedBacklog).Inc()
		s.log.Warn().Err(err).Str("session", c.id).Msg("chat event dropped")
	}
	return nil
}

// serveInbox hands the session's data messages to the handler one at a time,
// in arrival order, until the session is closed.
func (s *Server) serveInbox(c *Connection) {
	for {
		select {
		case <-c.closing:
			return
		case data := <-c.inbox:
			ctx, cancel := context.WithTimeout(s.ctx, s.config.HandlerTimeout)
			err := s.handler.HandleIncoming(ctx, c, data)
			cancel()
			s.logDispatchResult(c, err)
		}
	}
}

var errMessageTooLarge = errors.New("ws: message exceeds size limit")

// logDispatchResult classifies a router outcome. Nothing is sent back to the
// peer.
func (s *Server) logDispatchResult(c *Connection, err error) {
	if err == nil {
		return
	}
	ev := s.log.Debug()
	switch {
	case errors.Is(err, chat.ErrPersistenceFailure):
		ev = s.log.Error()
	case errors.Is(err, chat.ErrPushFailure):
		ev = s.log.Warn()
	}
	ev.Err(err).Str("session", c.id).Str("user", c.identity.UserID).Msg("chat event not fully delivered")
}
