package presence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/protocol"
)

// Broadcaster pushes the online list to every live session of a registry.
type Broadcaster struct {
	registry Registry
	log      zerolog.Logger

	// mu serializes broadcasts so that the snapshot taken last is also the
	// one written last to every session.
	mu sync.Mutex
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry Registry, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: log}
}

// BroadcastOnlineList snapshots the registry and sends {"online": [...]} to
// every live session, authenticated or not. A failed push is logged and
// counted; it never stops delivery to the remaining sessions.
func (b *Broadcaster) BroadcastOnlineList() {
	b.mu.Lock()
	defer b.mu.Unlock()

	online := b.registry.Snapshot()
	payload, err := protocol.NewOnlineList(online)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to encode online list")
		return
	}

	metrics.OnlineUsers.Set(float64(len(online)))
	metrics.PresenceBroadcasts.Inc()

	for _, s := range b.registry.All() {
		if err := s.Send(payload); err != nil {
			metrics.PushFailures.WithLabelValues("presence").Inc()
			b.log.Debug().Err(err).Str("session", s.ID()).Msg("presence push failed")
		}
	}
}
