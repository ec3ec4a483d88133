package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	if uri := os.Getenv("MONGO_URL"); uri != "" {
		cfg.URI = uri
	}
	cfg.Database = "directchat_test_" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := NewStore(ctx, cfg)
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestCreateMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, store.Message{Sender: "alice", Recipient: "bob", Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, m.ID, 24)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, "hi", m.Text)
}

func TestCreateMessage_Invalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateMessage(context.Background(), store.Message{Sender: "alice", Recipient: "bob"})
	assert.ErrorIs(t, err, store.ErrInvalidMessage)
}

func TestHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []store.Message{
		{Sender: "alice", Recipient: "bob", Text: "1"},
		{Sender: "bob", Recipient: "alice", Text: "2"},
		{Sender: "carol", Recipient: "alice", Text: "other"},
		{Sender: "alice", Recipient: "bob", File: "1700000000000.png", FileSize: 68, ContentType: "image/png"},
	} {
		_, err := s.CreateMessage(ctx, m)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.History(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].Text)
	assert.Equal(t, "2", got[1].Text)
	assert.Equal(t, "1700000000000.png", got[2].File)
	assert.Equal(t, int64(68), got[2].FileSize)

	latest, err := s.History(ctx, "bob", "alice", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "1700000000000.png", latest[0].File)
}
