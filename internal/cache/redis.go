package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the pipeline's keys.
const DefaultKeyPrefix = "pipeline:capital:"

// RedisStore shares entries between replicas through Redis. Entries never
// expire. Redis failures degrade to cache misses.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

// RedisOption configures the RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.Cmdable, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
		return "", false
	}
	return v, true
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key, value string) {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
