package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries under a key prefix in Redis, with an in-process
// LRU in front so hot entries skip the round trip.
type RedisCache struct {
	client *redis.Client
	prefix string
	local  *LRU
	logger *logging.Logger
}

// NewRedisCache wraps client. localSize bounds the in-process front cache.
func NewRedisCache(client *redis.Client, prefix string, localSize int) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "imagetranslate:cache"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		local:  NewLRU(localSize),
		logger: logging.NewLogger("cache"),
	}, nil
}

// Get checks the local LRU, then Redis
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.Get(ctx, key); ok {
		return v, true
	}

	v, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Redis cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	c.local.Set(ctx, key, v, 0)
	return v, true
}

// Set writes through to Redis. A Redis failure only costs a future miss.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Set(ctx, key, value, ttl)
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.logger.Warn("Redis cache write failed", "key", key, "error", err)
	}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}
