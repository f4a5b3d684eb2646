package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/pkg/ratelimit"
)

var limitAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, int64, time.Duration) (int, error) {
	return 0, errors.New("store down")
}

func newTestLimiter() (*ratelimit.Limiter, *testClock) {
	clock := &testClock{now: limitAt}
	store := ratelimit.NewMemoryStore().WithClock(clock.Now)
	l := ratelimit.New(store, zerolog.Nop()).WithClock(clock.Now)
	return l, clock
}

func TestCheckEnforcesLimit(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, "caller:1.2.3.4", 5, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, 5-(i+1))
		}
	}

	res := l.Check(ctx, "caller:1.2.3.4", 5, time.Minute)
	if res.Allowed {
		t.Fatal("sixth request should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("retry after = %s, want within the window", res.RetryAfter)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "caller:k", 2, time.Minute)
	}
	if res := l.Check(ctx, "caller:k", 2, time.Minute); res.Allowed {
		t.Fatal("expected rejection in saturated window")
	}

	clock.Advance(time.Minute)
	if res := l.Check(ctx, "caller:k", 2, time.Minute); !res.Allowed {
		t.Error("new window should admit requests again")
	}
}

func TestCheckSurvivesSweepFromShorterWindow(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "caller:h", 2, time.Hour)
	}
	if res := l.Check(ctx, "caller:h", 2, time.Hour); res.Allowed {
		t.Fatal("expected rejection in saturated hour window")
	}

	// Enough short-window traffic to trigger the store's sweep.
	for i := 0; i < 200; i++ {
		l.Check(ctx, "caller:s", 1000, time.Second)
	}

	if res := l.Check(ctx, "caller:h", 2, time.Hour); res.Allowed {
		t.Error("hour-window counter must survive sweeps driven by shorter windows")
	}
}

func TestCheckIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "caller:a", 2, time.Minute)
	}
	if res := l.Check(ctx, "caller:b", 2, time.Minute); !res.Allowed {
		t.Error("saturating one key must not affect another")
	}
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	clock := &testClock{now: limitAt}
	l := ratelimit.New(failingStore{}, zerolog.Nop()).WithClock(clock.Now)

	res := l.Check(context.Background(), "caller:x", 1, time.Minute)
	if !res.Allowed {
		t.Error("limiter must fail open when the store errors")
	}
}

func TestCheckAllMostRestrictiveWins(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	caller := ratelimit.CheckConfig{Key: "caller:c", Limit: 100, Window: time.Minute}
	route := ratelimit.CheckConfig{Key: "route:c:/webhooks", Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		res := l.CheckAll(ctx, caller, route)
		if !res.Allowed {
			t.Fatalf("request %d should pass both checks", i+1)
		}
		if res.Limit != 2 {
			t.Errorf("combined result should carry the tighter limit, got %d", res.Limit)
		}
	}

	res := l.CheckAll(ctx, caller, route)
	if res.Allowed {
		t.Fatal("route limit should reject the third request")
	}
	if res.Limit != 2 {
		t.Errorf("rejection should report the limiting check, got limit %d", res.Limit)
	}
}

func TestCheckAllEmpty(t *testing.T) {
	l, _ := newTestLimiter()
	if res := l.CheckAll(context.Background()); !res.Allowed {
		t.Error("no checks means allowed")
	}
}

func TestRedisStoreCountsPerSlot(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := ratelimit.NewRedisStore(client)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := store.Incr(ctx, "caller:r", 100, time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}

	// A different slot counts independently.
	got, err := store.Incr(ctx, "caller:r", 101, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("new slot count = %d, want 1", got)
	}

	// Counters expire with their window.
	mr.FastForward(2 * time.Minute)
	got, err = store.Incr(ctx, "caller:r", 100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("expired slot should restart at 1, got %d", got)
	}
}

func TestRedisStoreLimiterIntegration(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := &testClock{now: limitAt}
	l := ratelimit.New(ratelimit.NewRedisStore(client), zerolog.Nop()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := l.Check(ctx, "caller:ri", 2, time.Minute); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if res := l.Check(ctx, "caller:ri", 2, time.Minute); res.Allowed {
		t.Error("expected rejection over redis-backed counters")
	}
}
