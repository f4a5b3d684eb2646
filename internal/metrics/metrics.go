// Package metrics implements the component metrics interfaces on
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Metrics implements webhook.Metrics and outbound.Metrics using Prometheus.
type Metrics struct {
	webhookIngestTotal  *prometheus.CounterVec
	webhookRetriesTotal *prometheus.CounterVec
	outboundTotal       *prometheus.CounterVec
	reconcileTotal      *prometheus.CounterVec
	warmthUpdatesTotal  *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collector set on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookIngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "ingest_total",
			Help:      "Inbound webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),

		webhookRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "retries_total",
			Help:      "Webhook dispatch retries by provider.",
		}, []string{"provider"}),

		outboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "deliveries_total",
			Help:      "Outbound delivery attempts by outcome.",
		}, []string{"outcome"}),

		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "reconciles_total",
			Help:      "Entitlement reconciliations by resulting plan.",
		}, []string{"plan"}),

		warmthUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warmth",
			Name:      "anchor_updates_total",
			Help:      "Warmth anchor updates by event type.",
		}, []string{"type"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, per route.",
		}, []string{"route"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) RecordIngest(provider string, outcome webhook.Outcome) {
	m.webhookIngestTotal.WithLabelValues(provider, string(outcome)).Inc()
}

func (m *Metrics) RecordRetry(provider string) {
	m.webhookRetriesTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordDelivery(outcome string) {
	m.outboundTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconcile(plan string) {
	m.reconcileTotal.WithLabelValues(plan).Inc()
}

func (m *Metrics) RecordWarmthUpdate(eventType string) {
	m.warmthUpdatesTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordRateLimited(route string) {
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordRequest(route, code string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, code).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
