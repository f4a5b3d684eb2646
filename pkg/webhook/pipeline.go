package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Adapter turns one provider's envelope into a NormalizedEvent. Each
// adapter owns its provider's signature scheme and payload shape; returning
// ErrAuth (wrapped) rejects the delivery, ErrPayload marks it malformed.
type Adapter interface {
	// Name is the provider identifier used in webhook URLs.
	Name() string

	// Normalize verifies the request and parses the envelope.
	Normalize(body []byte, header http.Header) (*NormalizedEvent, error)
}

// Handler processes one normalized event type. Returning an error wrapped
// around ErrPermanent dead-letters the event; any other error schedules a
// retry with backoff.
type Handler func(ctx context.Context, event *NormalizedEvent) error

// Sink receives successfully processed events for fan-out (outbound
// delivery). Sink failures never fail ingestion.
type Sink interface {
	Enqueue(ctx context.Context, event *NormalizedEvent) error
}

// RetryPolicy shapes the exponential backoff applied to failed handlers.
type RetryPolicy struct {
	// BaseDelay is the first retry delay. Defaults to 30s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 1h.
	MaxDelay time.Duration

	// MaxAttempts is the total number of dispatch attempts before an event
	// is dead-lettered. Defaults to 8.
	MaxAttempts int
}

func (p *RetryPolicy) withDefaults() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
}

// Backoff returns the delay before the given retry attempt (1-based):
// base * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Pipeline is the shared ingestion path for all providers.
type Pipeline struct {
	storage  Storage
	adapters map[string]Adapter
	handlers map[string]Handler
	fallback Handler
	sink     Sink
	retry    RetryPolicy
	metrics  Metrics
	now      func() time.Time
	log      zerolog.Logger
}

// PipelineConfig assembles a pipeline.
type PipelineConfig struct {
	Storage Storage
	// Adapters, one per provider.
	Adapters []Adapter
	// Retry shapes handler failure backoff.
	Retry RetryPolicy
	// Sink receives processed events for outbound fan-out (optional).
	Sink Sink
	// Metrics is optional.
	Metrics Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(cfg PipelineConfig, log zerolog.Logger) (*Pipeline, error) {
	if cfg.Storage == nil {
		return nil, errors.New("webhook storage is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("at least one provider adapter is required")
	}
	cfg.Retry.withDefaults()
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	adapters := make(map[string]Adapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Name()] = a
	}
	return &Pipeline{
		storage:  cfg.Storage,
		adapters: adapters,
		handlers: make(map[string]Handler),
		sink:     cfg.Sink,
		retry:    cfg.Retry,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		log:      log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Handle registers the handler for a normalized event type.
func (p *Pipeline) Handle(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// HandleDefault registers a fallback handler for unregistered types.
// Without one, unregistered types are stored and marked processed as-is.
func (p *Pipeline) HandleDefault(h Handler) {
	p.fallback = h
}

// Ingest runs one inbound delivery through the pipeline:
// verify -> normalize -> idempotent insert -> dispatch.
func (p *Pipeline) Ingest(ctx context.Context, provider string, body []byte, header http.Header) Result {
	adapter, ok := p.adapters[provider]
	if !ok {
		return p.finish(provider, Result{Outcome: OutcomeRejected, Err: ErrUnknownProvider})
	}

	event, err := adapter.Normalize(body, header)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return p.finish(provider, Result{Outcome: OutcomeRejected, Err: err})
		}
		return p.finish(provider, Result{Outcome: OutcomeInvalid, Err: err})
	}

	payload, err := event.Marshal()
	if err != nil {
		return p.finish(provider, Result{Outcome: OutcomeInvalid, EventID: event.ID, Err: err})
	}

	now := p.now().UTC()
	rec := &Record{
		IdempotencyKey: event.ID,
		Provider:       provider,
		Type:           event.Type,
		Payload:        payload,
		SignatureValid: true,
		ReceivedAt:     now,
		Status:         StatusPending,
	}
	err = p.storage.InsertEvent(ctx, rec)
	if errors.Is(err, ErrDuplicateEvent) {
		// Already seen: the first delivery's effects stand. Success.
		return p.finish(provider, Result{Outcome: OutcomeDeduplicated, EventID: event.ID})
	}
	if err != nil {
		// Nothing was persisted; the provider must redeliver.
		return p.finish(provider, Result{Outcome: OutcomeInternalError, EventID: event.ID, Err: err})
	}

	return p.finish(provider, p.dispatch(ctx, event, 0))
}

// dispatch routes a stored event to its handler and applies the
// success/retry/dead-letter transition. attempt is 0 on first delivery.
func (p *Pipeline) dispatch(ctx context.Context, event *NormalizedEvent, attempt int) Result {
	handler := p.handlers[event.Type]
	if handler == nil {
		handler = p.fallback
	}

	var err error
	if handler != nil {
		err = handler(ctx, event)
	}
	now := p.now().UTC()

	if err == nil {
		if markErr := p.storage.MarkProcessed(ctx, event.ID, now); markErr != nil {
			p.log.Error().Err(markErr).Str("event_id", event.ID).Msg("failed to mark event processed")
		}
		if p.sink != nil {
			if sinkErr := p.sink.Enqueue(ctx, event); sinkErr != nil {
				p.log.Error().Err(sinkErr).Str("event_id", event.ID).Msg("outbound enqueue failed")
			}
		}
		return Result{Outcome: OutcomeProcessed, EventID: event.ID}
	}

	nextAttempt := attempt + 1
	if errors.Is(err, ErrPermanent) || nextAttempt >= p.retry.MaxAttempts {
		if dlErr := p.storage.MarkDeadLetter(ctx, event.ID, now, err.Error()); dlErr != nil {
			p.log.Error().Err(dlErr).Str("event_id", event.ID).Msg("failed to dead-letter event")
		}
		p.log.Warn().Str("event_id", event.ID).Str("type", event.Type).Err(err).
			Msg("event dead-lettered")
		return Result{Outcome: OutcomeDeadLetter, EventID: event.ID, Err: err}
	}

	nextRetryAt := now.Add(p.retry.Backoff(nextAttempt))
	if schedErr := p.storage.ScheduleRetry(ctx, event.ID, nextAttempt, nextRetryAt, err.Error()); schedErr != nil {
		p.log.Error().Err(schedErr).Str("event_id", event.ID).Msg("failed to schedule retry")
	}
	return Result{Outcome: OutcomeRetryScheduled, EventID: event.ID, Err: err}
}

func (p *Pipeline) finish(provider string, res Result) Result {
	p.metrics.RecordIngest(provider, res.Outcome)
	if res.Err != nil && res.Outcome != OutcomeRetryScheduled {
		p.log.Debug().Str("provider", provider).Str("outcome", string(res.Outcome)).
			Err(res.Err).Msg("webhook delivery finished")
	}
	return res
}

// DeadLetters exposes dead-letter records for operator inspection.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.storage.ListDeadLetters(ctx, limit)
}

// ReadBody reads at most limit bytes of a request body, rejecting empty
// and oversized payloads.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrPayload)
	}
	return body, nil
}
