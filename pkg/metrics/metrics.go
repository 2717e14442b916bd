// Package metrics exposes buddyd's operational counters over a
// Prometheus endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. Methods are safe for concurrent use.
type Metrics struct {
	syncBatches      prometheus.Counter
	syncFailures     prometheus.Counter
	syncDuration     prometheus.Histogram
	eventsPublished  *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandErrors    *prometheus.CounterVec
	reconnects       prometheus.Counter
	gatewaySessions  prometheus.Gauge
	limiterCooldowns prometheus.Counter
}

// NewMetrics creates and registers all collectors on the registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		syncBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddyd_sync_batches_total",
			Help: "Total sync responses applied to the state store",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddyd_sync_failures_total",
			Help: "Total sync requests that failed and triggered backoff",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buddyd_sync_duration_seconds",
			Help:    "Duration of sync requests including long-poll wait",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddyd_events_published_total",
			Help: "Bus events published by event type",
		}, []string{"type"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buddyd_command_duration_seconds",
			Help:    "Command surface call duration by command",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddyd_command_errors_total",
			Help: "Command surface errors by command",
		}, []string{"command"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddyd_reconnects_total",
			Help: "Total reconnect attempts",
		}),
		gatewaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buddyd_gateway_sessions",
			Help: "Currently connected gateway websocket sessions",
		}),
		limiterCooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buddyd_rate_limit_cooldowns_total",
			Help: "Server-imposed rate limit cooldowns honored",
		}),
	}

	registry.MustRegister(
		m.syncBatches,
		m.syncFailures,
		m.syncDuration,
		m.eventsPublished,
		m.commandDuration,
		m.commandErrors,
		m.reconnects,
		m.gatewaySessions,
		m.limiterCooldowns,
	)
	return m
}

// RecordSyncBatch records one applied sync response.
func (m *Metrics) RecordSyncBatch(seconds float64) {
	m.syncBatches.Inc()
	m.syncDuration.Observe(seconds)
}

// RecordSyncFailure records a failed sync request.
func (m *Metrics) RecordSyncFailure() {
	m.syncFailures.Inc()
}

// RecordEvent records a published bus event.
func (m *Metrics) RecordEvent(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordCommand records a command call and its outcome.
func (m *Metrics) RecordCommand(command string, seconds float64, err error) {
	m.commandDuration.WithLabelValues(command).Observe(seconds)
	if err != nil {
		m.commandErrors.WithLabelValues(command).Inc()
	}
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Inc()
}

// SetGatewaySessions sets the live websocket session count.
func (m *Metrics) SetGatewaySessions(n int) {
	m.gatewaySessions.Set(float64(n))
}

// RecordCooldown records a rate-limit pause.
func (m *Metrics) RecordCooldown() {
	m.limiterCooldowns.Inc()
}
