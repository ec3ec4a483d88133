// Package presence tracks the live sessions of this node and tells every one
// of them which identities are currently online.
package presence

import (
	"sort"
	"sync"

	"github.com/whisper/directchat/internal/auth"
)

// Session is one live transport connection as seen by the registry. The
// identity is fixed before the session is added and never changes.
type Session interface {
	ID() string
	Identity() (auth.Identity, bool)
	Send(data []byte) error
}

// Registry holds the live sessions of this node.
type Registry interface {
	// Add registers a session. Adding a session that is already present is a
	// no-op.
	Add(s Session)
	// Remove unregisters a session and reports whether it was present.
	Remove(s Session) bool
	// ByUserID returns every live session bound to userID.
	ByUserID(userID string) []Session
	// Snapshot returns one identity per user with at least one live
	// authenticated session, ordered by user id.
	Snapshot() []auth.Identity
	// All returns every live session, authenticated or not.
	All() []Session
	// Count returns the number of live sessions.
	Count() int
}

// MemoryRegistry is a Registry backed by two in-process maps: sessions by id
// and authenticated sessions by user id. Both are updated under one lock so
// readers never see a session in one index but not the other.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byID   map[string]Session
	byUser map[string][]Session
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:   make(map[string]Session),
		byUser: make(map[string][]Session),
	}
}

func (r *MemoryRegistry) Add(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[s.ID()]; ok {
		if existing == s {
			return
		}
		r.removeLocked(existing)
	}

	r.byID[s.ID()] = s
	if id, ok := s.Identity(); ok {
		r.byUser[id.UserID] = append(r.byUser[id.UserID], s)
	}
}

func (r *MemoryRegistry) Remove(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[s.ID()]; !ok || existing != s {
		return false
	}
	r.removeLocked(s)
	return true
}

func (r *MemoryRegistry) removeLocked(s Session) {
	delete(r.byID, s.ID())

	id, ok := s.Identity()
	if !ok {
		return
	}
	sessions := r.byUser[id.UserID]
	for i, other := range sessions {
		if other == s {
			sessions = append(sessions[:i:i], sessions[i+1:]...)
			break
		}
	}
	if len(sessions) == 0 {
		delete(r.byUser, id.UserID)
	} else {
		r.byUser[id.UserID] = sessions
	}
}

func (r *MemoryRegistry) ByUserID(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]Session, len(sessions))
	copy(out, sessions)
	return out
}

func (r *MemoryRegistry) Snapshot() []auth.Identity {
	r.mu.RLock()
	out := make([]auth.Identity, 0, len(r.byUser))
	for _, sessions := range r.byUser {
		id, _ := sessions[0].Identity()
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *MemoryRegistry) All() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

func (r *MemoryRegistry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}
