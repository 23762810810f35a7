// Package cache implements the optional Redis-backed nonce fast-path: a
// cheap pre-check ahead of the store's authoritative nonce table.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisNonceCache implements jobqueue.NonceCache against a Redis instance.
// Keys are namespaced under "jobqueue:nonce:" and set with an explicit TTL
// matching the configured nonce retention window.
type RedisNonceCache struct {
	client *goredis.Client
}

// NewRedisNonceCache dials dsn and verifies connectivity with a single PING.
func NewRedisNonceCache(dsn string) (*RedisNonceCache, error) {
	opts, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNonceCache{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *RedisNonceCache) Close() error {
	return c.client.Close()
}

// SeenRecently reports whether nonce is present in the cache.
func (c *RedisNonceCache) SeenRecently(ctx context.Context, nonce string) (bool, error) {
	n, err := c.client.Exists(ctx, nonceKey(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records nonce with the given TTL, defaulting to one hour when
// ttlSeconds is non-positive.
func (c *RedisNonceCache) MarkSeen(ctx context.Context, nonce string, ttlSeconds int64) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := c.client.Set(ctx, nonceKey(nonce), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func nonceKey(nonce string) string {
	return "jobqueue:nonce:" + nonce
}
