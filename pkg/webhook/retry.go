package webhook

import (
	"context"
	"time"
)

// RetryWorker re-dispatches events whose retry deadline has passed.
type RetryWorker struct {
	pipeline *Pipeline
	interval time.Duration
	batch    int
}

// NewRetryWorker creates a worker that polls every interval and processes
// up to batch due events per tick.
func NewRetryWorker(pipeline *Pipeline, interval time.Duration, batch int) *RetryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &RetryWorker{pipeline: pipeline, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.pipeline.log.Error().Err(err).Msg("retry tick failed")
			}
		}
	}
}

// Tick processes one batch of due retries and returns how many were
// re-dispatched.
func (w *RetryWorker) Tick(ctx context.Context) (int, error) {
	p := w.pipeline
	records, err := p.storage.ListDueRetries(ctx, p.now().UTC(), w.batch)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		event, err := UnmarshalEvent(rec.Payload)
		if err != nil {
			// Stored payload is unreadable; no retry can succeed.
			if dlErr := p.storage.MarkDeadLetter(ctx, rec.IdempotencyKey, p.now().UTC(), err.Error()); dlErr != nil {
				p.log.Error().Err(dlErr).Str("event_id", rec.IdempotencyKey).Msg("failed to dead-letter event")
			}
			continue
		}
		p.metrics.RecordRetry(rec.Provider)
		p.dispatch(ctx, event, rec.AttemptCount)
		if ctx.Err() != nil {
			return len(records), ctx.Err()
		}
	}
	return len(records), nil
}
