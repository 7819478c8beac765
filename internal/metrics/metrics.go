// Package metrics holds the Prometheus series scraped at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the request plane.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	RateLimitDenied *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	EventsIngested  *prometheus.CounterVec

	CursorLag  *prometheus.GaugeVec
	QueueDepth *prometheus.GaugeVec

	DroppedRecords *prometheus.CounterVec
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in the binary; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total client-plane requests by tenant, operation and status code",
			},
			[]string{"tenant", "op", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "Request latency by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Read-through cache hits",
		}),

		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Read-through cache misses",
		}),

		RateLimitDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_denied_total",
				Help: "Requests denied by the rate limiter",
			},
			[]string{"tenant", "scope"}, // scope: hour, day
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_errors_total",
				Help: "Upstream RPC failures by kind",
			},
			[]string{"tenant", "kind"}, // kind: session_expired, timeout, unreachable, auth_failed, rpc_error
		),

		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_ingested_total",
				Help: "Change-feed events accepted by the ingestor",
			},
			[]string{"tenant"},
		),

		CursorLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cursor_lag",
				Help: "Max (tenant max event id - cursor last seen) across a tenant's cursors",
			},
			[]string{"tenant"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Pending records in the async ledger queues",
			},
			[]string{"queue"}, // usage, error
		),

		DroppedRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropped_records_total",
				Help: "Ledger records dropped under queue overflow",
			},
			[]string{"queue"},
		),
	}
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(tenant, op, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(tenant, op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(seconds)
}

// RecordCache records a cache lookup outcome.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordRateDenied records a 429.
func (m *Metrics) RecordRateDenied(tenant, scope string) {
	m.RateLimitDenied.WithLabelValues(tenant, scope).Inc()
}

// RecordUpstreamError records an upstream failure by kind.
func (m *Metrics) RecordUpstreamError(tenant, kind string) {
	m.UpstreamErrors.WithLabelValues(tenant, kind).Inc()
}
