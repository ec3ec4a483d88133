package postgres

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

// newTestStore connects to POSTGRES_DSN and skips the test when it is unset
// or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("postgres not available: POSTGRES_DSN not set")
	}
	cfg := DefaultConfig()
	cfg.DSN = dsn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewStore(ctx, cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	newTestStore(t)
	assert.NoError(t, Migrate(os.Getenv("POSTGRES_DSN")))
}

func TestCreateMessageAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unique user ids keep runs against a shared database independent.
	alice := "alice-" + uuid.NewString()
	bob := "bob-" + uuid.NewString()

	first, err := s.CreateMessage(ctx, store.Message{Sender: alice, Recipient: bob, Text: "hi"})
	require.NoError(t, err)
	_, err = uuid.Parse(first.ID)
	assert.NoError(t, err)
	assert.False(t, first.CreatedAt.IsZero())

	time.Sleep(2 * time.Millisecond)
	_, err = s.CreateMessage(ctx, store.Message{
		Sender: bob, Recipient: alice, File: "1700000000000.png", FileSize: 68, ContentType: "image/png",
	})
	require.NoError(t, err)

	got, err := s.History(ctx, alice, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "1700000000000.png", got[1].File)
	assert.Equal(t, "image/png", got[1].ContentType)

	latest, err := s.History(ctx, bob, alice, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "1700000000000.png", latest[0].File)
}

func TestCreateMessage_Invalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateMessage(context.Background(), store.Message{Sender: "a", Recipient: "b"})
	assert.ErrorIs(t, err, store.ErrInvalidMessage)
}
