package webhook

import (
	"context"
	"time"
)

// Storage persists webhook event records. InsertEvent's uniqueness guarantee
// on the idempotency key is what converts duplicate deliveries into no-ops;
// the remaining methods only touch retry bookkeeping fields.
type Storage interface {
	// InsertEvent appends a record. Returns ErrDuplicateEvent when the
	// idempotency key has been seen before.
	InsertEvent(ctx context.Context, rec *Record) error

	// MarkProcessed transitions a record to processed.
	MarkProcessed(ctx context.Context, idempotencyKey string, at time.Time) error

	// ScheduleRetry bumps the attempt count and sets the next retry time.
	ScheduleRetry(ctx context.Context, idempotencyKey string, attempt int, nextRetryAt time.Time, lastError string) error

	// MarkDeadLetter transitions a record to dead_letter after retries are
	// exhausted or a permanent failure.
	MarkDeadLetter(ctx context.Context, idempotencyKey string, at time.Time, lastError string) error

	// ListDueRetries returns pending records whose next_retry_at has
	// passed, oldest first, up to limit.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// ListDeadLetters returns dead-letter records for operator inspection,
	// newest first, up to limit.
	ListDeadLetters(ctx context.Context, limit int) ([]*Record, error)
}
