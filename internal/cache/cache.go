// Package cache implements the optional TTL-scoped Cache component from
// spec.md §4.9, backed by Redis (github.com/redis/go-redis/v9). Grounded on
// the pack's go-hft-style Redis client construction: a single pooled
// client, JSON-serialized values, context-scoped calls throughout.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketfeed/internal/config"
)

// Cache is the contract the Streaming Collector and CLI health checks use
// to read/write TTL-scoped key/value entries (spec.md §4.9). It is an
// optional component: callers that construct no Cache simply skip these
// calls, per spec.md's Non-goals.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	SetMulti(ctx context.Context, values map[string]interface{}, ttl time.Duration) error
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache is the sole production Cache implementation.
type RedisCache struct {
	client *redis.Client
}

// New constructs a pooled Redis client per spec.md §5 (pool size up to 50).
func New(cfg config.CacheConfig) *RedisCache {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}
	return &RedisCache{client: redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:       cfg.DB,
		PoolSize: poolSize,
	})}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache: unmarshal %q: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) SetMulti(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	pipe := c.client.Pipeline()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("cache: marshal %q: %w", k, err)
		}
		pipe.Set(ctx, k, data, ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: set_multi: %w", err)
	}
	return nil
}

func (c *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get_multi: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
