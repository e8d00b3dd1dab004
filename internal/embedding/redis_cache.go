package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "aptforge:embedding:"

// RedisCache stores embeddings in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed embedding cache. A zero ttl keeps
// entries until evicted.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Name returns the backend identifier.
func (c *RedisCache) Name() string {
	return "redis"
}

// Get looks up key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float64, bool, error) {
	buf, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	vec, err := decodeVector(buf)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Set stores vec under key.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float64) error {
	return c.client.Set(ctx, redisKeyPrefix+key, encodeVector(vec), c.ttl).Err()
}
