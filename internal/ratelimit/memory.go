package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore keeps buckets in process. It is for single-instance
// deployments and tests; buckets are not shared between processes.
type MemoryStore struct {
	buckets *xsync.Map[string, bucket]
	ttl     time.Duration
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: xsync.NewMap[string, bucket](), ttl: BucketTTL}
}

// Take implements BucketStore. Compute holds the key's lock for the whole
// refill-and-take.
func (s *MemoryStore) Take(_ context.Context, key string, capacity, ratePerSec float64, now time.Time) (bool, float64, error) {
	var allowed bool
	b, _ := s.buckets.Compute(key, func(old bucket, loaded bool) (bucket, xsync.ComputeOp) {
		if !loaded || now.Sub(old.lastRefill) > s.ttl {
			old = bucket{tokens: capacity, lastRefill: now}
		}
		elapsed := now.Sub(old.lastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		tokens := min(capacity, old.tokens+elapsed*ratePerSec)
		allowed = tokens >= 1
		if allowed {
			tokens--
		}
		return bucket{tokens: tokens, lastRefill: now}, xsync.UpdateOp
	})
	return allowed, b.tokens, nil
}

// Sweep drops buckets idle for longer than the TTL and returns how many
// were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.buckets.Range(func(key string, b bucket) bool {
		if now.Sub(b.lastRefill) > s.ttl {
			s.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	return s.buckets.Size()
}
