package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Dispatcher creates one pending Delivery per active subscriber for each
// processed event. It satisfies webhook.Sink.
type Dispatcher struct {
	storage Storage
	now     func() time.Time
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher over storage.
func NewDispatcher(storage Storage, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		storage: storage,
		now:     time.Now,
		log:     log.With().Str("component", "outbound").Logger(),
	}
}

// WithClock overrides the dispatcher clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Enqueue fans event out to every active subscriber. A storage failure for
// one subscriber does not block the others.
func (d *Dispatcher) Enqueue(ctx context.Context, event *webhook.NormalizedEvent) error {
	subs, err := d.storage.ListActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	now := d.now().UTC()
	var firstErr error
	for _, sub := range subs {
		delivery := &Delivery{
			ID:            uuid.NewString(),
			SubscriberID:  sub.ID,
			EventID:       event.ID,
			Payload:       payload,
			NextAttemptAt: now,
			Status:        DeliveryPending,
			CreatedAt:     now,
		}
		if err := d.storage.InsertDelivery(ctx, delivery); err != nil {
			d.log.Error().Err(err).Str("subscriber_id", sub.ID).
				Str("event_id", event.ID).Msg("failed to enqueue delivery")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ webhook.Sink = (*Dispatcher)(nil)
