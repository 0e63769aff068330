// Package ratelimit holds the router's two throttles: in-memory per-model
// token buckets and the Redis backed per-key request quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vnmchuo/llm-router/internal/catalog"
)

// Buckets keeps one token bucket per model id. Models without a bucket
// are never throttled. State lives only in memory.
type Buckets struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	config  catalog.RateLimit
}

func NewBuckets() *Buckets {
	return &Buckets{buckets: make(map[string]*bucket)}
}

// Upsert creates or replaces the bucket for modelID. A replaced bucket
// starts full.
func (b *Buckets) Upsert(modelID string, rl catalog.RateLimit) error {
	if err := rl.Validate(); err != nil {
		return err
	}
	refill := rate.Limit(float64(rl.MaxRequests) / float64(rl.PerSeconds))
	nb := &bucket{limiter: rate.NewLimiter(refill, rl.Burst()), config: rl}

	b.mu.Lock()
	b.buckets[modelID] = nb
	b.mu.Unlock()
	return nil
}

func (b *Buckets) Remove(modelID string) {
	b.mu.Lock()
	delete(b.buckets, modelID)
	b.mu.Unlock()
}

// Load replaces every bucket with those configured on models.
func (b *Buckets) Load(models []*catalog.Model) error {
	fresh := NewBuckets()
	for _, m := range models {
		if m.RateLimit == nil {
			continue
		}
		if err := fresh.Upsert(m.ID, *m.RateLimit); err != nil {
			return fmt.Errorf("model %s: %w", m.Identifier(), err)
		}
	}
	b.mu.Lock()
	b.buckets = fresh.buckets
	b.mu.Unlock()
	return nil
}

// Acquire takes n tokens from modelID's bucket, waiting exactly as long
// as the refill rate needs to cover the deficit. It returns early with the
// context's error if ctx ends first; in that case no tokens are consumed.
func (b *Buckets) Acquire(ctx context.Context, modelID string, n int) error {
	b.mu.RLock()
	bk, ok := b.buckets[modelID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	if n > bk.limiter.Burst() {
		return fmt.Errorf("requested %d tokens exceeds bucket capacity %d", n, bk.limiter.Burst())
	}
	return bk.limiter.WaitN(ctx, n)
}

// Snapshot describes a bucket's state.
type Snapshot struct {
	Config     catalog.RateLimit
	Tokens     float64
	Capacity   int
	RefillRate float64 // tokens per second
}

func (b *Buckets) Bucket(modelID string) (Snapshot, bool) {
	b.mu.RLock()
	bk, ok := b.buckets[modelID]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Config:     bk.config,
		Tokens:     bk.limiter.TokensAt(time.Now()),
		Capacity:   bk.limiter.Burst(),
		RefillRate: float64(bk.limiter.Limit()),
	}, true
}
