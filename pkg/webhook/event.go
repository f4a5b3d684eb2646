// Package webhook ingests billing events delivered by external providers
// with at-least-once, out-of-order semantics.
//
// Every inbound request walks the same pipeline regardless of provider:
// signature verification (fail closed), envelope normalization through a
// provider adapter, an idempotent insert keyed on a unique idempotency key,
// then dispatch to a type-specific handler with exponential-backoff retry
// and a dead-letter terminal state.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/warmlinehq/warmline/pkg/entitlement"
)

var (
	// ErrAuth is returned when a signature is absent, mismatched, or no
	// shared secret is configured. The pipeline never processes an
	// unverified payload.
	ErrAuth = errors.New("webhook signature verification failed")

	// ErrPayload is returned for envelopes that cannot be parsed.
	ErrPayload = errors.New("invalid webhook payload")

	// ErrDuplicateEvent is returned by storage when an idempotency key has
	// already been seen. Recovered locally; callers treat it as success.
	ErrDuplicateEvent = errors.New("webhook event already processed")

	// ErrPermanent marks a handler failure that can never succeed on
	// retry; the event goes straight to dead_letter.
	ErrPermanent = errors.New("permanent processing failure")

	// ErrUnknownProvider is returned for providers with no adapter.
	ErrUnknownProvider = errors.New("unknown webhook provider")

	// ErrEventNotFound is returned by storage when an idempotency key has
	// no stored record.
	ErrEventNotFound = errors.New("webhook event not found")
)

// NormalizedEvent is the provider-independent shape every adapter produces.
// Nothing downstream of ingestion branches on provider payload shape.
type NormalizedEvent struct {
	ID         string        `json:"id"`
	Provider   string        `json:"provider"`
	Type       string        `json:"type"`
	OccurredAt time.Time     `json:"time"`
	UserID     string        `json:"user_id,omitempty"`
	Snapshot   *snapshotData `json:"data,omitempty"`
}

// snapshotData is the wire form of a subscription snapshot inside a
// normalized event.
type snapshotData struct {
	ProductID        string    `json:"product_id"`
	Store            string    `json:"store"`
	StoreAccountID   string    `json:"store_account_id"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// SetSnapshot attaches subscription state to the event.
func (e *NormalizedEvent) SetSnapshot(snap *entitlement.Snapshot) {
	e.Snapshot = &snapshotData{
		ProductID:        snap.ProductID,
		Store:            string(snap.Store),
		StoreAccountID:   snap.StoreAccountID,
		Status:           string(snap.Status),
		CurrentPeriodEnd: snap.CurrentPeriodEnd,
	}
}

// SubscriptionSnapshot materializes the event's subscription state for the
// user it belongs to, or nil when the event carries none.
func (e *NormalizedEvent) SubscriptionSnapshot() *entitlement.Snapshot {
	if e.Snapshot == nil {
		return nil
	}
	return &entitlement.Snapshot{
		UserID:           e.UserID,
		ProductID:        e.Snapshot.ProductID,
		Store:            entitlement.Store(e.Snapshot.Store),
		StoreAccountID:   e.Snapshot.StoreAccountID,
		Status:           entitlement.Status(e.Snapshot.Status),
		CurrentPeriodEnd: e.Snapshot.CurrentPeriodEnd,
		UpdatedAt:        e.OccurredAt,
	}
}

// Marshal encodes the event for persistence.
func (e *NormalizedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes a persisted normalized event.
func UnmarshalEvent(payload []byte) (*NormalizedEvent, error) {
	var e NormalizedEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordStatus is the lifecycle state of a stored webhook event.
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusProcessed  RecordStatus = "processed"
	StatusDeadLetter RecordStatus = "dead_letter"
)

// Record is the durable bookkeeping row for one ingested event. The unique
// constraint on IdempotencyKey is the sole exactly-once guard: it turns a
// race between two deliveries of the same event into one winner and one
// no-op.
type Record struct {
	IdempotencyKey string
	Provider       string
	Type           string
	Payload        []byte
	SignatureValid bool
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
	AttemptCount   int
	NextRetryAt    *time.Time
	Status         RecordStatus
	LastError      string
}

// Outcome classifies what the pipeline did with a delivery.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"
	OutcomeDeduplicated   Outcome = "deduplicated"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLetter     Outcome = "dead_letter"
	OutcomeRejected       Outcome = "rejected"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeInternalError  Outcome = "internal_error"
)

// Result is the explicit per-stage outcome returned by the pipeline.
// Expected conditions (duplicates, rejections) are values here, not errors
// flowing through panic/recover control flow.
type Result struct {
	Outcome Outcome
	EventID string
	Err     error
}

// OK reports whether the provider should treat the delivery as accepted.
// Duplicates are accepted: the work already happened.
func (r Result) OK() bool {
	switch r.Outcome {
	case OutcomeProcessed, OutcomeDeduplicated:
		return true
	default:
		return false
	}
}
