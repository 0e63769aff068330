package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("api key not cached")

// Cache holds recently verified keys by hash.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*APIKey, error)
	Set(ctx context.Context, keyHash string, key *APIKey) error
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := c.rdb.Get(ctx, cacheKey(keyHash)).Scan(&k)
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *RedisCache) Set(ctx context.Context, keyHash string, key *APIKey) error {
	return c.rdb.Set(ctx, cacheKey(keyHash), key, c.ttl).Err()
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}
