package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/auth"
)

// newTestStore creates a Store connected to a local Redis instance and removes
// test session keys before and after the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "ws-test")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Create(ctx, "test_s1", auth.Identity{UserID: "alice", Username: "Alice"}, "127.0.0.1:5000")
	require.NoError(t, err)

	got, err := s.Get(ctx, "test_s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "Alice", got.Username)
	assert.Equal(t, "ws-test", got.Server)
	assert.Equal(t, "127.0.0.1:5000", got.RemoteAddr)
	assert.NotZero(t, got.CreatedAt)

	ttl, err := s.Client().TTL(ctx, SessionPrefix+"test_s1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
}

func TestCreateAnonymous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "test_anon", auth.Identity{}, "127.0.0.1:5001"))
	got, err := s.Get(ctx, "test_anon")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.UserID)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "test_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "test_touch", auth.Identity{UserID: "bob"}, ""))
	require.NoError(t, s.Client().Expire(ctx, SessionPrefix+"test_touch", 5*time.Second).Err())
	require.NoError(t, s.Touch(ctx, "test_touch"))

	ttl, err := s.Client().TTL(ctx, SessionPrefix+"test_touch").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, SessionTTL/2)
}

func TestTouch_MissingDoesNotRecreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Touch(ctx, "test_gone"))
	got, err := s.Get(ctx, "test_gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "test_del", auth.Identity{UserID: "bob"}, ""))
	require.NoError(t, s.Delete(ctx, "test_del"))

	got, err := s.Get(ctx, "test_del")
	require.NoError(t, err)
	assert.Nil(t, got)
}
