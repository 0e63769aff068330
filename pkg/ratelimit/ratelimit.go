package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Quota caps requests per API key over a sliding window, shared across
// router instances through Redis. It is a thin wrapper around
// github.com/vnmchuo/ratelimiter.
type Quota struct {
	store  extratelimit.Limiter
	window time.Duration
}

func NewQuota(rdb *redis.Client, requestsPerMinute int) *Quota {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requestsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Quota{store: store, window: time.Minute}
}

func NewTestQuota(store extratelimit.Limiter) *Quota {
	return &Quota{store: store, window: time.Minute}
}

// Allow consumes one request from the key's quota.
func (q *Quota) Allow(ctx context.Context, keyID string) (bool, error) {
	res, err := q.store.AllowN(ctx, quotaKey(keyID), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// RetryAfter is the advertised wait once the quota is exhausted.
func (q *Quota) RetryAfter() time.Duration { return q.window }

func quotaKey(keyID string) string {
	return fmt.Sprintf("ratelimit:apikey:%s", keyID)
}
