// Package chat routes inbound chat events: it validates them, stores their
// attachments, persists the message and pushes it to the recipient's live
// sessions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/attachment"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/store"
)

// Attachments stores decoded attachment payloads.
type Attachments interface {
	Save(name, data string) (attachment.Stored, error)
	Remove(storedName string) error
}

// Limiter throttles senders.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Relay announces persisted messages to other server nodes.
type Relay interface {
	PublishDelivery(m store.Message) error
}

// Config tunes routing behavior.
type Config struct {
	// EchoToSender also pushes each message to the sender's other live
	// sessions. The session that sent it never receives it back.
	EchoToSender bool
	// MessageRule throttles each sender. Ignored without a Limiter.
	MessageRule ratelimit.Rule
}

// Router handles inbound chat events for every session of this node.
type Router struct {
	registry presence.Registry
	messages store.MessageStore
	files    Attachments
	limiter  Limiter
	relay    Relay
	cfg      Config
	log      zerolog.Logger
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithLimiter enables per-sender rate limiting.
func WithLimiter(l Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

// WithRelay publishes every persisted message to other nodes.
func WithRelay(relay Relay) Option {
	return func(r *Router) { r.relay = relay }
}

// NewRouter creates a Router.
func NewRouter(registry presence.Registry, messages store.MessageStore, files Attachments, cfg Config, log zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		messages: messages,
		files:    files,
		cfg:      cfg,
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleIncoming processes one raw event received on sess. A nil return means
// the message was persisted and pushed to every target session. Otherwise the
// error wraps one of the package's sentinel errors; the event has been
// dropped (or, for ErrPushFailure, delivered to the remaining sessions).
func (r *Router) HandleIncoming(ctx context.Context, sess presence.Session, raw []byte) error {
	sender, ok := sess.Identity()
	if !ok {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedAnonymous).Inc()
		return ErrAnonymousSender
	}

	ev, err := protocol.ParseChatEvent(raw)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedMalformed).Inc()
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if r.limiter != nil {
		// Allow fails open on Redis errors.
		if allowed, _ := r.limiter.Allow(ctx, sender.UserID, r.cfg.MessageRule); !allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			return ErrRateLimited
		}
	}

	msg := store.Message{
		Sender:    sender.UserID,
		Recipient: ev.Recipient,
		Text:      ev.Text,
	}
	if ev.File != nil {
		stored, err := r.files.Save(ev.File.Name, ev.File.Data)
		if err != nil {
			if errors.Is(err, attachment.ErrInvalidData) || errors.Is(err, attachment.ErrTooLarge) {
				metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedMalformed).Inc()
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedPersistence).Inc()
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
		msg.File = stored.Name
		msg.FileSize = stored.SizeBytes
		msg.ContentType = stored.ContentType
	}

	start := time.Now()
	saved, err := r.messages.CreateMessage(ctx, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if msg.File != "" {
			if rmErr := r.files.Remove(msg.File); rmErr != nil {
				r.log.Warn().Err(rmErr).Str("file", msg.File).Msg("failed to remove orphaned attachment")
			}
		}
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDroppedPersistence).Inc()
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	pushErr := r.push(saved, sess)
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()

	if r.relay != nil {
		if err := r.relay.PublishDelivery(saved); err != nil {
			r.log.Warn().Err(err).Str("message", saved.ID).Msg("failed to relay message")
		}
	}
	return pushErr
}

// Deliver pushes a message persisted by another node to this node's
// sessions.
func (r *Router) Deliver(m store.Message) error {
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRelayed).Inc()
	return r.push(m, nil)
}

// push sends m to every live session of the recipient and, with echo
// enabled, of the sender. origin is never a target. Each session receives the
// message at most once.
func (r *Router) push(m store.Message, origin presence.Session) error {
	targets := r.registry.ByUserID(m.Recipient)
	if r.cfg.EchoToSender && m.Sender != m.Recipient {
		targets = append(targets, r.registry.ByUserID(m.Sender)...)
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := protocol.NewMessagePush(m.ID, m.Sender, m.Recipient, m.Text, m.File).Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailure, err)
	}

	seen := make(map[string]struct{}, len(targets))
	var failed, attempted int
	for _, s := range targets {
		if origin != nil && s.ID() == origin.ID() {
			continue
		}
		if _, dup := seen[s.ID()]; dup {
			continue
		}
		seen[s.ID()] = struct{}{}
		attempted++

		if err := s.Send(payload); err != nil {
			failed++
			metrics.PushFailures.WithLabelValues("message").Inc()
			r.log.Debug().Err(err).Str("session", s.ID()).Str("message", m.ID).Msg("message push failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d sessions", ErrPushFailure, failed, attempted)
	}
	return nil
}
