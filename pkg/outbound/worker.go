package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Worker POSTs due deliveries to subscriber URLs, signing each body with
// the subscriber's secret.
type Worker struct {
	storage  Storage
	client   *http.Client
	retry    webhook.RetryPolicy
	interval time.Duration
	batch    int
	metrics  Metrics
	now      func() time.Time
	log      zerolog.Logger
}

// WorkerConfig assembles a delivery worker.
type WorkerConfig struct {
	Storage Storage
	// Client is the HTTP client for subscriber POSTs. Defaults to a
	// 10-second-timeout client.
	Client *http.Client
	// Retry shapes per-delivery backoff. Zero values take the webhook
	// pipeline defaults (base 30s, cap 1h, 8 attempts).
	Retry webhook.RetryPolicy
	// Interval between polls. Defaults to 15s.
	Interval time.Duration
	// Batch is the max deliveries per tick. Defaults to 50.
	Batch int
	// Metrics is optional.
	Metrics Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewWorker creates a delivery worker.
func NewWorker(cfg WorkerConfig, log zerolog.Logger) (*Worker, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("outbound storage is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	retry := cfg.Retry
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 30 * time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = time.Hour
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 8
	}
	return &Worker{
		storage:  cfg.Storage,
		client:   cfg.Client,
		retry:    retry,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		log:      log.With().Str("component", "outbound").Logger(),
	}, nil
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.log.Error().Err(err).Msg("delivery tick failed")
			}
		}
	}
}

// Tick attempts one batch of due deliveries and returns how many were
// attempted.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	due, err := w.storage.ListDueDeliveries(ctx, w.now().UTC(), w.batch)
	if err != nil {
		return 0, err
	}
	for _, d := range due {
		w.attempt(ctx, d)
		if ctx.Err() != nil {
			return len(due), ctx.Err()
		}
	}
	return len(due), nil
}

func (w *Worker) attempt(ctx context.Context, d *Delivery) {
	sub, err := w.storage.GetSubscriber(ctx, d.SubscriberID)
	if err != nil {
		// Subscriber gone: nothing left to deliver to.
		w.park(ctx, d, fmt.Sprintf("subscriber lookup: %v", err))
		return
	}
	if !sub.Active {
		w.park(ctx, d, "subscriber deactivated")
		return
	}

	err = w.post(ctx, sub, d)
	now := w.now().UTC()
	if err == nil {
		if markErr := w.storage.MarkDelivered(ctx, d.ID, now); markErr != nil {
			w.log.Error().Err(markErr).Str("delivery_id", d.ID).Msg("failed to mark delivered")
		}
		w.metrics.RecordDelivery("delivered")
		return
	}

	attempt := d.AttemptCount + 1
	if attempt >= w.retry.MaxAttempts {
		w.park(ctx, d, err.Error())
		return
	}
	next := now.Add(w.retry.Backoff(attempt))
	if schedErr := w.storage.ScheduleDeliveryRetry(ctx, d.ID, attempt, next, err.Error()); schedErr != nil {
		w.log.Error().Err(schedErr).Str("delivery_id", d.ID).Msg("failed to schedule delivery retry")
	}
	w.metrics.RecordDelivery("retry_scheduled")
}

func (w *Worker) park(ctx context.Context, d *Delivery, reason string) {
	if err := w.storage.MarkDeliveryDeadLetter(ctx, d.ID, w.now().UTC(), reason); err != nil {
		w.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to dead-letter delivery")
	}
	w.log.Warn().Str("delivery_id", d.ID).Str("event_id", d.EventID).
		Str("reason", reason).Msg("delivery dead-lettered")
	w.metrics.RecordDelivery("dead_letter")
}

func (w *Worker) post(ctx context.Context, sub *Subscriber, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, webhook.SignHMAC([]byte(sub.Secret), d.Payload))
	req.Header.Set(HeaderEventID, d.EventID)
	req.Header.Set(HeaderDelivery, d.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}
