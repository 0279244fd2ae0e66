package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache maps an idempotency key to the id it resolved to the first
// time, for the key's TTL.
type IdempotencyCache interface {
	// PutIfAbsent stores value under key unless one exists; returns the
	// winning value and whether this call stored it.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
}

// RedisCache is the production IdempotencyCache.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(addr, password string, db int, prefix string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisCache) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	full := c.key(key)
	stored, err := c.client.SetNX(ctx, full, value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %s: %w", full, err)
	}
	if stored {
		return value, true, nil
	}
	existing, err := c.client.Get(ctx, full).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Lost a race against expiry; the caller retries.
			return "", false, fmt.Errorf("redis key %s expired mid-flight", full)
		}
		return "", false, fmt.Errorf("redis get %s: %w", full, err)
	}
	return existing, false, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", c.key(key), err)
	}
	return v, true, nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
