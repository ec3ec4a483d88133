// Package ratelimit provides Redis-backed fixed window rate limiting. Each
// action (chat message, connection) is throttled per identity or per client
// address.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 30 WebSocket connections per minute per IP.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}

// MessageRule builds the per-sender chat message rule.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit. The window key is created with its expiry (SET NX EX)
// and incremented in one MULTI, so a counter never exists without a TTL.
//
// Redis errors fail open: the request is allowed and the error returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, rule.Window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return true, fmt.Errorf("ratelimit: %s: %w", key, err)
	}

	return incr.Val() <= int64(rule.Limit), nil
}

// Remaining returns how many requests identifier has left in the current
// window, the full limit when no window is open. Fails open like Allow.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, fmt.Errorf("ratelimit: %s: %w", key, err)
	}
	return max(rule.Limit-count, 0), nil
}
