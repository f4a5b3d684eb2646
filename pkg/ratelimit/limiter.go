// Package ratelimit provides fixed-window request-rate limiting behind a
// pluggable counter store: an in-process map for single instances, Redis
// for deployments needing shared global limits.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
	Reset      time.Time     // next window boundary
}

// Store holds per-(key, slot) counters. Implementations must make Incr
// atomic; everything else about exactness is best-effort.
type Store interface {
	// Incr increments the counter for (key, slot) and returns the new
	// value. ttl hints how long the slot's counter stays relevant.
	Incr(ctx context.Context, key string, slot int64, ttl time.Duration) (int, error)
}

// Limiter checks requests against a fixed-window limit.
//
// Time is partitioned into windows via slot = now/window; each (key, slot)
// pair counts independently. The limiter is protective, not a correctness
// mechanism, so it fails open: an internal store error allows the request.
type Limiter struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// New creates a limiter over a counter store.
func New(store Store, log zerolog.Logger) *Limiter {
	return &Limiter{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "ratelimit").Logger(),
	}
}

// WithClock overrides the limiter's clock, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts one request against (key, limit, window).
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := l.now()
	slot := now.UnixMilli() / window.Milliseconds()
	reset := time.UnixMilli((slot + 1) * window.Milliseconds())

	count, err := l.store.Incr(ctx, key, slot, window*2)
	if err != nil {
		// Fail open: a broken limiter must never block legitimate traffic.
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit store error, failing open")
		return Result{Allowed: true, Limit: limit, Remaining: limit - 1, Reset: reset}
	}

	if count > limit {
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			Reset:      reset,
		}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - count, Reset: reset}
}

// CheckConfig pairs a key with its limit for combined checks.
type CheckConfig struct {
	Key    string
	Limit  int
	Window time.Duration
}

// CheckAll runs several checks (e.g. per-caller and per-route) and returns
// the most restrictive outcome: the first rejection wins; when all pass,
// the result carries the smallest remaining count.
func (l *Limiter) CheckAll(ctx context.Context, checks ...CheckConfig) Result {
	if len(checks) == 0 {
		return Result{Allowed: true}
	}
	combined := l.Check(ctx, checks[0].Key, checks[0].Limit, checks[0].Window)
	if !combined.Allowed {
		return combined
	}
	for _, c := range checks[1:] {
		res := l.Check(ctx, c.Key, c.Limit, c.Window)
		if !res.Allowed {
			return res
		}
		if res.Remaining < combined.Remaining {
			combined = res
		}
	}
	return combined
}
