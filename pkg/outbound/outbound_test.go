package outbound_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/internal/storage/memory"
	"github.com/warmlinehq/warmline/pkg/outbound"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

var deliverAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

func seedSubscriber(t *testing.T, store *memory.Store, id, url string, active bool) {
	t.Helper()
	err := store.UpsertSubscriber(context.Background(), &outbound.Subscriber{
		ID:        id,
		URL:       url,
		Secret:    "sub-secret-" + id,
		Active:    active,
		CreatedAt: deliverAt,
	})
	if err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}
}

func billingEvent(id string) *webhook.NormalizedEvent {
	return &webhook.NormalizedEvent{
		ID:         id,
		Provider:   "web",
		Type:       "subscription.renewed",
		OccurredAt: deliverAt,
		UserID:     "user-1",
	}
}

func TestEnqueueFansOutToActiveSubscribers(t *testing.T) {
	store := memory.New()
	clock := &testClock{now: deliverAt}
	seedSubscriber(t, store, "sub-a", "https://a.example/hook", true)
	seedSubscriber(t, store, "sub-b", "https://b.example/hook", true)
	seedSubscriber(t, store, "sub-c", "https://c.example/hook", false)

	d := outbound.NewDispatcher(store, zerolog.Nop()).WithClock(clock.Now)
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	due, err := store.ListDueDeliveries(context.Background(), deliverAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 deliveries for 2 active subscribers, got %d", len(due))
	}
	seen := map[string]bool{}
	for _, del := range due {
		seen[del.SubscriberID] = true
		if del.EventID != "evt-1" || del.Status != outbound.DeliveryPending {
			t.Errorf("unexpected delivery: %+v", del)
		}
		if len(del.Payload) == 0 {
			t.Error("delivery must carry the event payload")
		}
	}
	if seen["sub-c"] {
		t.Error("inactive subscriber must not receive deliveries")
	}
}

func TestEnqueueNoSubscribersIsNoOp(t *testing.T) {
	store := memory.New()
	d := outbound.NewDispatcher(store, zerolog.Nop())
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	due, _ := store.ListDueDeliveries(context.Background(), deliverAt.Add(time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("expected no deliveries, got %d", len(due))
	}
}

func newTestWorker(t *testing.T, store *memory.Store, clock *testClock, retry webhook.RetryPolicy) *outbound.Worker {
	t.Helper()
	w, err := outbound.NewWorker(outbound.WorkerConfig{
		Storage: store,
		Retry:   retry,
		Now:     clock.Now,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotEvt  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(outbound.HeaderSignature)
		gotEvt = r.Header.Get(outbound.HeaderEventID)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memory.New()
	clock := &testClock{now: deliverAt}
	seedSubscriber(t, store, "sub-a", srv.URL, true)

	d := outbound.NewDispatcher(store, zerolog.Nop()).WithClock(clock.Now)
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatal(err)
	}

	worker := newTestWorker(t, store, clock, webhook.RetryPolicy{})
	n, err := worker.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 attempted delivery, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotEvt != "evt-1" {
		t.Errorf("event id header = %q", gotEvt)
	}
	if want := webhook.SignHMAC([]byte("sub-secret-sub-a"), gotBody); gotSig != want {
		t.Errorf("signature header = %q, want %q", gotSig, want)
	}

	due, _ := store.ListDueDeliveries(context.Background(), deliverAt.Add(24*time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("delivered record must not stay due, got %d", len(due))
	}
}

func TestWorkerRetriesOnServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	clock := &testClock{now: deliverAt}
	seedSubscriber(t, store, "sub-a", srv.URL, true)

	d := outbound.NewDispatcher(store, zerolog.Nop()).WithClock(clock.Now)
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatal(err)
	}

	worker := newTestWorker(t, store, clock, webhook.RetryPolicy{BaseDelay: 30 * time.Second})
	if _, err := worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	// First failure backs off base * 2^1 = 60s; nothing due before that.
	due, _ := store.ListDueDeliveries(context.Background(), deliverAt.Add(59*time.Second), 10)
	if len(due) != 0 {
		t.Fatal("retry due too early")
	}

	clock.Advance(2 * time.Minute)
	if _, err := worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected 2 POSTs, got %d", calls)
	}
	due, _ = store.ListDueDeliveries(context.Background(), clock.Now().Add(24*time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("expected delivery terminal after success, got %d due", len(due))
	}
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	clock := &testClock{now: deliverAt}
	seedSubscriber(t, store, "sub-a", srv.URL, true)

	d := outbound.NewDispatcher(store, zerolog.Nop()).WithClock(clock.Now)
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatal(err)
	}

	worker := newTestWorker(t, store, clock, webhook.RetryPolicy{
		BaseDelay: time.Second, MaxAttempts: 2,
	})
	for i := 0; i < 3; i++ {
		if _, err := worker.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	due, _ := store.ListDueDeliveries(context.Background(), clock.Now().Add(24*time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("expected delivery dead-lettered, still %d due", len(due))
	}
}

func TestWorkerParksDeliveryForDeactivatedSubscriber(t *testing.T) {
	store := memory.New()
	clock := &testClock{now: deliverAt}
	seedSubscriber(t, store, "sub-a", "https://a.example/hook", true)

	d := outbound.NewDispatcher(store, zerolog.Nop()).WithClock(clock.Now)
	if err := d.Enqueue(context.Background(), billingEvent("evt-1")); err != nil {
		t.Fatal(err)
	}
	// Deactivate after the delivery was enqueued.
	seedSubscriber(t, store, "sub-a", "https://a.example/hook", false)

	worker := newTestWorker(t, store, clock, webhook.RetryPolicy{})
	if _, err := worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	due, _ := store.ListDueDeliveries(context.Background(), clock.Now().Add(24*time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("expected delivery parked, still %d due", len(due))
	}
}
