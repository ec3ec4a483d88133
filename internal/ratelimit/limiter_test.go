package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zerolog.Nop())
}

func testRule(limit int) Rule {
	return Rule{Key: "rl:test:" + uuid.NewString() + ":", Limit: limit, Window: time.Minute}
}

func TestAllow_BlocksAfterLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(3)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "bob", rule)
	require.NoError(t, err)
	assert.True(t, ok, "limits are per identifier")
}

func TestAllow_SetsWindowExpiry(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(1)

	_, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)

	ttl, err := l.client.TTL(ctx, rule.Key+"alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, rule.Window)
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(5)

	n, err := l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, _ = l.Allow(ctx, "alice", rule)
	_, _ = l.Allow(ctx, "alice", rule)
	n, err = l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zerolog.Nop())

	ok, err := l.Allow(context.Background(), "alice", MessageRule(1, time.Second))
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestMessageRule(t *testing.T) {
	r := MessageRule(20, 10*time.Second)
	assert.Equal(t, "rl:msg:", r.Key)
	assert.Equal(t, 20, r.Limit)
	assert.Equal(t, 10*time.Second, r.Window)
}
