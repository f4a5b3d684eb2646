// Package outbound fans processed billing events out to subscriber URLs.
// Delivery is at-least-once: subscribers are expected to dedupe on the
// event id header. Failed deliveries follow the same backoff and
// dead-letter discipline as inbound webhook dispatch.
package outbound

import (
	"context"
	"errors"
	"time"
)

// Delivery headers set on every outbound POST.
const (
	HeaderSignature = "X-Warmline-Signature"
	HeaderEventID   = "X-Warmline-Event-Id"
	HeaderDelivery  = "X-Warmline-Delivery"
)

// DeliveryStatus is the lifecycle state of one delivery attempt chain.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// Subscriber is a registered outbound endpoint. Secret signs every
// delivery body so the subscriber can authenticate us.
type Subscriber struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is one subscriber's copy of one event.
type Delivery struct {
	ID            string         `json:"id"`
	SubscriberID  string         `json:"subscriber_id"`
	EventID       string         `json:"event_id"`
	Payload       []byte         `json:"-"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	Status        DeliveryStatus `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

var (
	// ErrSubscriberNotFound is returned when a subscriber id is unknown.
	ErrSubscriberNotFound = errors.New("outbound: subscriber not found")

	// ErrDeliveryNotFound is returned when a delivery id is unknown.
	ErrDeliveryNotFound = errors.New("outbound: delivery not found")
)

// Storage persists subscribers and their deliveries.
type Storage interface {
	// UpsertSubscriber inserts or updates a subscriber by id.
	UpsertSubscriber(ctx context.Context, sub *Subscriber) error

	// ListActiveSubscribers returns all subscribers with Active set.
	ListActiveSubscribers(ctx context.Context) ([]*Subscriber, error)

	// GetSubscriber returns a subscriber or ErrSubscriberNotFound.
	GetSubscriber(ctx context.Context, id string) (*Subscriber, error)

	// InsertDelivery stores a new pending delivery.
	InsertDelivery(ctx context.Context, d *Delivery) error

	// ListDueDeliveries returns pending deliveries whose next_attempt_at
	// is at or before now, oldest first, up to limit.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)

	// MarkDelivered finalizes a successful delivery.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// ScheduleDeliveryRetry records a failed attempt and its next deadline.
	ScheduleDeliveryRetry(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error

	// MarkDeliveryDeadLetter parks a delivery after exhausted attempts.
	MarkDeliveryDeadLetter(ctx context.Context, id string, at time.Time, lastError string) error
}

// Metrics observes delivery outcomes.
type Metrics interface {
	RecordDelivery(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(string) {}
