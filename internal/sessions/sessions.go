// Package sessions tracks the login sessions of each user so they can be
// invalidated when an account is blocked.
package sessions

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/logging"
	"github.com/mbd888/authorityx/internal/metrics"
)

// HeaderSessionID carries the caller's session identifier.
const HeaderSessionID = "X-Session-ID"

// DefaultTTL is how long a tracked session or revocation marker lives.
const DefaultTTL = 30 * 24 * time.Hour

// Revoker invalidates every session of a user.
type Revoker interface {
	RevokeAll(ctx context.Context, userID string) (int, error)
}

// Store tracks sessions and answers revocation checks.
type Store interface {
	Revoker
	Track(ctx context.Context, userID, sessionID string) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Connect opens a Redis client from a redis:// URL or a bare host:port
// and verifies it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps a set of session ids per user and a marker per revoked
// session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func userKey(userID string) string       { return "sessions:user:" + userID }
func revokedKey(sessionID string) string { return "sessions:revoked:" + sessionID }

func (s *RedisStore) Track(ctx context.Context, userID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, userKey(userID), sessionID)
		p.Expire(ctx, userKey(userID), s.ttl)
		return nil
	})
	return err
}

func (s *RedisStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeAll marks every tracked session of userID revoked and forgets them.
func (s *RedisStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Set(ctx, revokedKey(id), "1", s.ttl)
		}
		p.Del(ctx, userKey(userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	metrics.SessionsRevokedTotal.Add(float64(len(ids)))
	return len(ids), nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	byUser  map[string]map[string]struct{}
	revoked map[string]struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser:  make(map[string]map[string]struct{}),
		revoked: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Track(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[sessionID]
	return ok, nil
}

func (m *MemoryStore) RevokeAll(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byUser[userID]
	for id := range set {
		m.revoked[id] = struct{}{}
	}
	delete(m.byUser, userID)
	metrics.SessionsRevokedTotal.Add(float64(len(set)))
	return len(set), nil
}

// Active reports how many live sessions userID has.
func (m *MemoryStore) Active(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Middleware rejects requests on revoked sessions and tracks the rest.
// Requests without a session header pass through untouched.
func Middleware(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetHeader(HeaderSessionID)
		userID := c.GetString(auth.ContextKeyUserID)
		if sessionID == "" || userID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		revoked, err := store.IsRevoked(ctx, sessionID)
		if err != nil {
			logging.L(ctx).Error("session check failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "session_check_failed",
				"message": "Session could not be verified. Please retry.",
			})
			return
		}
		if revoked {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "session_revoked",
				"message": "Session is no longer valid",
			})
			return
		}
		if err := store.Track(ctx, userID, sessionID); err != nil {
			logging.L(ctx).Warn("session tracking failed", "error", err)
		}
		c.Next()
	}
}
