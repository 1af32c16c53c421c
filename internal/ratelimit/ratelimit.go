// Package ratelimit provides rate limiting middleware for the Pactline API.
//
// Counters live in Redis when a client is provided so limits hold across
// replicas; otherwise an in-memory store is used.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerWindow is the max requests per key per window
	RequestsPerWindow int
	// Window is the fixed window size
	Window time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 100,
		Window:            time.Second,
	}
}

// CounterStore increments a windowed counter and returns its new value.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisStore backs counters with Redis INCR + EXPIRE.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr increments the counter for key, setting the window TTL on first hit.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, "ratelimit:"+key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// First hit in this window, start its TTL.
		if err := s.client.Expire(ctx, "ratelimit:"+key, window).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// MemoryStore is an in-memory fallback counter store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Incr increments the counter for key within the current fixed window.
func (s *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.windows[key] = w
	}
	w.count++

	// Opportunistic cleanup of expired windows.
	if len(s.windows) > 10000 {
		for k, ww := range s.windows {
			if now.After(ww.resetAt) {
				delete(s.windows, k)
			}
		}
	}
	return w.count, nil
}

// Limiter enforces a fixed-window request limit per key.
type Limiter struct {
	cfg   Config
	store CounterStore
}

// New creates a rate limiter on top of the given counter store.
func New(cfg Config, store CounterStore) *Limiter {
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = DefaultConfig().RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{cfg: cfg, store: store}
}

// Allow checks if a request for key should be allowed.
// Store errors fail open so a Redis outage does not take the API down.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	n, err := l.store.Incr(ctx, key, l.cfg.Window)
	if err != nil {
		return true
	}
	return n <= int64(l.cfg.RequestsPerWindow)
}

// Middleware returns a Gin middleware that rate limits by caller identity,
// falling back to client IP for unauthenticated requests.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if actor := c.GetHeader("X-Actor-Id"); actor != "" {
			key = "actor:" + actor
		}

		if !l.Allow(c.Request.Context(), key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(l.cfg.Window.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
