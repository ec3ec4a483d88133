package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/auth"
)

type fakeSession struct {
	id       string
	identity *auth.Identity
	fail     bool

	mu   sync.Mutex
	sent [][]byte
}

func anon(id string) *fakeSession { return &fakeSession{id: id} }

func user(id, userID, name string) *fakeSession {
	return &fakeSession{id: id, identity: &auth.Identity{UserID: userID, Username: name}}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Identity() (auth.Identity, bool) {
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return *s.identity, true
}

func (s *fakeSession) Send(data []byte) error {
	if s.fail {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	s.sent = append(s.sent, data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) lastOnline(t *testing.T) []auth.Identity {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "session %s received nothing", s.id)
	var list struct {
		Online []auth.Identity `json:"online"`
	}
	require.NoError(t, json.Unmarshal(s.sent[len(s.sent)-1], &list))
	return list.Online
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_SnapshotExcludesAnonymous(t *testing.T) {
	r := NewMemoryRegistry()
	r.Add(user("s1", "alice", "Alice"))
	r.Add(anon("s2"))
	r.Add(user("s3", "bob", "Bob"))

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, []auth.Identity{
		{UserID: "alice", Username: "Alice"},
		{UserID: "bob", Username: "Bob"},
	}, r.Snapshot())
}

func TestRegistry_OneSnapshotEntryPerIdentity(t *testing.T) {
	r := NewMemoryRegistry()
	a1 := user("s1", "alice", "Alice")
	a2 := user("s2", "alice", "Alice")
	r.Add(a1)
	r.Add(a2)

	assert.Len(t, r.Snapshot(), 1)
	assert.ElementsMatch(t, []Session{a1, a2}, r.ByUserID("alice"))

	require.True(t, r.Remove(a1))
	assert.Len(t, r.Snapshot(), 1, "alice still has a live session")
	assert.Equal(t, []Session{a2}, r.ByUserID("alice"))

	require.True(t, r.Remove(a2))
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, r.ByUserID("alice"))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewMemoryRegistry()
	s := user("s1", "alice", "Alice")
	r.Add(s)

	assert.True(t, r.Remove(s))
	assert.False(t, r.Remove(s))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_AddTwiceIsNoop(t *testing.T) {
	r := NewMemoryRegistry()
	s := user("s1", "alice", "Alice")
	r.Add(s)
	r.Add(s)

	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.ByUserID("alice"), 1)
}

func TestRegistry_RemoveIgnoresDifferentSessionWithSameID(t *testing.T) {
	r := NewMemoryRegistry()
	current := user("s1", "alice", "Alice")
	stale := user("s1", "alice", "Alice")
	r.Add(current)

	assert.False(t, r.Remove(stale))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ByUserIDUnknown(t *testing.T) {
	r := NewMemoryRegistry()
	r.Add(anon("s1"))
	assert.Empty(t, r.ByUserID(""))
	assert.Empty(t, r.ByUserID("nobody"))
}

func TestRegistry_ConcurrentAddRemove(t *testing.T) {
	r := NewMemoryRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := user(fmt.Sprintf("s%d", i), fmt.Sprintf("u%d", i%5), "")
			r.Add(s)
			_ = r.Snapshot()
			_ = r.ByUserID(fmt.Sprintf("u%d", i%5))
			r.Remove(s)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Snapshot())
}

// ---------------------------------------------------------------------------
// Broadcaster
// ---------------------------------------------------------------------------

func TestBroadcast_ReachesEverySession(t *testing.T) {
	r := NewMemoryRegistry()
	alice := user("s1", "alice", "Alice")
	guest := anon("s2")
	r.Add(alice)
	r.Add(guest)

	NewBroadcaster(r, zerolog.Nop()).BroadcastOnlineList()

	want := []auth.Identity{{UserID: "alice", Username: "Alice"}}
	assert.Equal(t, want, alice.lastOnline(t))
	assert.Equal(t, want, guest.lastOnline(t), "anonymous sessions still receive presence")
}

func TestBroadcast_ReflectsRemoval(t *testing.T) {
	r := NewMemoryRegistry()
	b := NewBroadcaster(r, zerolog.Nop())
	alice := user("s1", "alice", "Alice")
	bob := user("s2", "bob", "Bob")
	r.Add(alice)
	r.Add(bob)
	b.BroadcastOnlineList()

	r.Remove(bob)
	b.BroadcastOnlineList()

	assert.Equal(t, []auth.Identity{{UserID: "alice", Username: "Alice"}}, alice.lastOnline(t))
}

func TestBroadcast_FailingSessionDoesNotBlockOthers(t *testing.T) {
	r := NewMemoryRegistry()
	broken := user("s1", "alice", "Alice")
	broken.fail = true
	bob := user("s2", "bob", "Bob")
	r.Add(broken)
	r.Add(bob)

	require.NotPanics(t, NewBroadcaster(r, zerolog.Nop()).BroadcastOnlineList)
	assert.Len(t, bob.lastOnline(t), 2)
}

func TestBroadcast_EmptyRegistry(t *testing.T) {
	require.NotPanics(t, NewBroadcaster(NewMemoryRegistry(), zerolog.Nop()).BroadcastOnlineList)
}
