// Package session mirrors the live sessions of every node into Redis so that
// operators and other nodes can see who is connected where. The mirror is
// advisory: the in-process registry stays authoritative for delivery.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/directchat/internal/auth"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL bounds how long a session outlives its last pong when the
	// owning node dies without deleting it.
	SessionTTL = 2 * time.Minute
)

// Session is the mirrored state of one live connection. UserID and Username
// are empty for anonymous sessions.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Username   string `redis:"username"`
	Server     string `redis:"server"`      // which WS server instance
	RemoteAddr string `redis:"remote_addr"` // client address as seen by the server
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp of the last pong
}

// Store manages mirrored sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a new session owned by this server.
func (s *Store) Create(ctx context.Context, sessionID string, identity auth.Identity, remoteAddr string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     identity.UserID,
		"username":    identity.Username,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Touch marks the session active and refreshes its TTL. It is called on
// every pong. Touching a session that has already expired does nothing.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	n, err := s.client.Expire(ctx, key, SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	if !n {
		return nil
	}
	if err := s.client.HSet(ctx, key, "last_active", time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
