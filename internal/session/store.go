package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// DefaultTTL is how long an untouched session stays active.
	DefaultTTL = 24 * time.Hour
)

// Session is an active login session stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // last gateway instance that saw it
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages active sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewStore creates a session store connected to Redis and verifies the
// connection with a PING.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: DefaultTTL}
}

// Create records sessionID as an active session owned by userID. A ttl of
// zero uses DefaultTTL.
func (s *Store) Create(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. It returns nil, nil when the session does not
// exist or has expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch marks the session as seen by this server and refreshes its TTL.
// Touching a session that no longer exists is a no-op.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	if n == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "server", s.serverName, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// Revoke deletes a session so that it no longer verifies.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
