// Package memstore provides implementations of the core.Memory
// contract used by agents for their own private working state. It is
// never consulted by the workflow engine — what an agent does with its
// own memory or tools is opaque to the engine.
//
// InMemoryStore is an RWMutex-protected map with lazy TTL expiry
// checked on read. RedisStore trims a Redis client down to the
// Get/Set/Delete/Exists surface core.Memory requires, namespaced via a
// formatKey helper.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kestrel-run/agentflow/core"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// InMemoryStore is the default core.Memory implementation: process-local,
// lost on restart, with lazy TTL expiry.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string]entry
	clock  core.Clock
	logger core.Logger
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{data: make(map[string]entry), clock: core.SystemClock{}, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InMemoryOption configures an InMemoryStore at construction.
type InMemoryOption func(*InMemoryStore)

// WithClock overrides the time source (tests inject a fake clock to
// exercise TTL expiry deterministically).
func WithClock(clock core.Clock) InMemoryOption {
	return func(s *InMemoryStore) { s.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) InMemoryOption {
	return func(s *InMemoryStore) { s.logger = logger }
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}
	if !e.expiresAt.IsZero() && s.clock.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return "", nil
	}
	return e.value, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	URL       string
	Namespace string
	Logger    core.Logger
}

// RedisStore is the optional Redis-backed core.Memory implementation,
// selected via core.MemoryConfig when an agent needs its working state
// to survive process restarts. It is never used for workflow or
// registry state, which are in-memory only.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisStore parses opts.URL and connects a go-redis client.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: redis URL is required", core.ErrValidation)
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %v", core.ErrValidation, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	client := redis.NewClient(redisOpts)
	return &RedisStore{client: client, namespace: opts.Namespace, logger: logger}, nil
}

func (r *RedisStore) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.formatKey(key)).Err()
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// FromConfig selects the core.Memory implementation named by cfg.
func FromConfig(cfg core.MemoryConfig, logger core.Logger) (core.Memory, error) {
	switch cfg.Provider {
	case "", "in-memory":
		return NewInMemoryStore(WithLogger(logger)), nil
	case "redis":
		return NewRedisStore(RedisOptions{URL: cfg.RedisURL, Logger: logger})
	default:
		return nil, fmt.Errorf("%w: unknown memory provider %q", core.ErrValidation, cfg.Provider)
	}
}
