package restart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultRedisKey is the cache key the messaging server polls; a newer
	// timestamp than its own start time makes it exit for its supervisor to
	// restart it.
	DefaultRedisKey = "laravel:reverb:restart"
	// DefaultRedisPrefix is what a stock Laravel install puts in front of
	// every cache key: the redis connection prefix followed by the cache
	// store prefix.
	DefaultRedisPrefix = "laravel_database_laravel_cache_"
)

type RedisSignaler struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisSignaler parses a redis:// URL and writes prefix+key. An empty
// prefix writes the bare key. The caller owns Close.
func NewRedisSignaler(redisURL, prefix, key string) (*RedisSignaler, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSignaler{client: redis.NewClient(opts), key: prefix + key, now: time.Now}, nil
}

func (s *RedisSignaler) Restart(ctx context.Context, _ string) error {
	if err := s.client.Set(ctx, s.key, s.now().Unix(), 0).Err(); err != nil {
		return fmt.Errorf("set restart key %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSignaler) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSignaler) Close() error {
	return s.client.Close()
}
