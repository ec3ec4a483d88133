package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/heartbeat"
)

// newHeartbeat builds the liveness monitor of c. A missed pong removes the
// connection; a failed ping is only logged, the expiry check that follows
// does the removal. The monitor is started once the session is registered.
func (s *Server) newHeartbeat(c *Connection) *heartbeat.Monitor {
	return heartbeat.New(s.config.Heartbeat,
		c.WritePing,
		func() { s.RemoveConnection(c, chat.ErrLivenessTimeout) },
		heartbeat.WithPingErrorHandler(func(err error) {
			s.log.Debug().Err(err).Str("session", c.id).Msg("heartbeat ping failed")
		}),
		heartbeat.WithScheduler(s.scheduler),
	)
}

// handlePong feeds a pong frame to the monitor and refreshes the mirrored
// session in the background.
func (s *Server) handlePong(c *Connection) {
	c.heartbeat.Pong()

	if s.sessions != nil {
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
			defer cancel()
			if err := s.sessions.Touch(ctx, c.id); err != nil {
				s.log.Debug().Err(err).Str("session", c.id).Msg("failed to refresh redis session")
			}
		}()
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames. Browsers answer it automatically with a pong.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}
