package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a MessageStore held in process memory. Nothing survives a
// restart.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (s *Memory) CreateMessage(_ context.Context, m Message) (Message, error) {
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	m.ID = uuid.NewString()

	s.mu.Lock()
	m.CreatedAt = s.now().UTC()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return m, nil
}

func (s *Memory) History(_ context.Context, userA, userB string, limit int) ([]Message, error) {
	limit = EffectiveLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0)
	for _, m := range s.messages {
		if (m.Sender == userA && m.Recipient == userB) || (m.Sender == userB && m.Recipient == userA) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Len returns the number of stored messages.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Memory) Close(context.Context) error { return nil }
