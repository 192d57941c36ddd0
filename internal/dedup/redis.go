package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fedora-notifications:delivered:"

// RedisCache is a Redis-backed dedup cache. Because the window survives
// process restarts, it also suppresses duplicates across a delivery-service
// crash, which the in-memory cache cannot.
type RedisCache struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCache connects to the Redis instance named by url and verifies
// connectivity.
func NewRedisCache(ctx context.Context, url string, window time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, window: window}, nil
}

// Seen implements Cache.
func (c *RedisCache) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, redisKeyPrefix+id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// Record implements Cache. NX preserves the original expiry when the same
// task id is recorded twice.
func (c *RedisCache) Record(ctx context.Context, id uuid.UUID) error {
	if err := c.client.SetNX(ctx, redisKeyPrefix+id.String(), 1, c.window).Err(); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
