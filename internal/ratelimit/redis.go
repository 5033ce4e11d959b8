// Package ratelimit keeps shared counters in Redis: per-org checkout rate limits
// and the usage meter consulted by quota checks.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisURL = errors.New("failed to parse redis connection string")
	ErrRedisNotReady         = errors.New("redis did not become ready within the given time period")
)

// Connect parses url and pings the server, retrying a few times before giving up.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisURL, err)
	}

	for range 3 {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, ErrRedisNotReady
}

// Store is a keyed counter shared by every process.
type Store interface {
	// Incr adds delta to key, starting a window-long expiry when the key is new.
	// It returns the new value and the time left before the key expires.
	Incr(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error)
	// Get returns the current value, zero when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// Set overwrites key. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore that namespaces every key with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	k := s.key(key)
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, k, delta)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 && window > 0 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: set %s: %w", key, err)
	}
	return nil
}
