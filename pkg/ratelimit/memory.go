package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a per-instance counter store. Under a multi-instance
// deployment each instance counts independently, yielding approximate
// rather than exact global limits.
type MemoryStore struct {
	mu       sync.Mutex
	buckets  map[string]*memoryBucket
	now      func() time.Time
	seen     int
	sweepAt  int
	maxEntry int
}

type memoryBucket struct {
	count     int
	expiresAt time.Time
}

// NewMemoryStore creates an in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:  make(map[string]*memoryBucket),
		now:      time.Now,
		sweepAt:  100,
		maxEntry: 10000,
	}
}

// WithClock overrides the store's clock, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, slot int64, ttl time.Duration) (int, error) {
	bucket := fmt.Sprintf("%s:%d", key, slot)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Stale slots accumulate one entry per window; sweep them every N
	// increments or when the map grows past the cap.
	s.seen++
	if s.seen%s.sweepAt == 0 || len(s.buckets) > s.maxEntry {
		s.sweep(now)
	}

	b := s.buckets[bucket]
	if b == nil || !b.expiresAt.After(now) {
		b = &memoryBucket{expiresAt: now.Add(ttl)}
		s.buckets[bucket] = b
	}
	b.count++
	return b.count, nil
}

// sweep drops expired counters. Buckets carry their own expiry, so windows
// of different sizes sharing the store age out independently. Caller holds
// the lock.
func (s *MemoryStore) sweep(now time.Time) {
	for k, b := range s.buckets {
		if !b.expiresAt.After(now) {
			delete(s.buckets, k)
		}
	}
	s.seen = 0
}
