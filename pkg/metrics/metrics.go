// Package metrics implements the Metrics surface (§4.18): counters, gauges,
// and histograms covering admission, queue, session, action, rate-limit,
// and reconnect activity, with a bounded label set (instance id, outcome,
// reason). Grounded directly on the teacher's Metrics type
// (pkg/server/metrics.go): same CounterVec/HistogramVec/Gauge +
// MustRegister shape, relabeled from HTTP/websocket/game concerns onto this
// core's realtime-session domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector this core registers.
type Metrics struct {
	admissionAttempts *prometheus.CounterVec
	admissionDuration *prometheus.HistogramVec

	queueOps  *prometheus.CounterVec
	queueSize *prometheus.GaugeVec

	sessionOps     *prometheus.CounterVec
	activeSessions prometheus.Gauge

	activeConnections  prometheus.Gauge
	capacityUtilization *prometheus.GaugeVec

	actionLatency *prometheus.HistogramVec
	queueWait     *prometheus.HistogramVec

	rateLimitHits *prometheus.CounterVec

	reconnectAttempts *prometheus.CounterVec

	janitorDuration prometheus.Histogram

	serverStartTime prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers every collector against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		admissionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemud_admission_attempts_total",
				Help: "Total admission attempts by instance, outcome, and reason.",
			},
			[]string{"instance_id", "outcome", "reason"},
		),
		admissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilemud_admission_duration_seconds",
				Help:    "Admission attempt duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instance_id", "outcome"},
		),

		queueOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemud_queue_ops_total",
				Help: "Action queue operations by instance and outcome.",
			},
			[]string{"instance_id", "outcome"},
		),
		queueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tilemud_queue_size",
				Help: "Current action queue depth per instance.",
			},
			[]string{"instance_id"},
		),

		sessionOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemud_session_ops_total",
				Help: "Session lifecycle operations by outcome.",
			},
			[]string{"outcome"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemud_sessions_active",
				Help: "Number of currently active sessions.",
			},
		),

		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemud_connections_active",
				Help: "Number of currently open transport connections.",
			},
		),
		capacityUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tilemud_instance_capacity_utilization_ratio",
				Help: "Seats taken divided by seat capacity, per instance.",
			},
			[]string{"instance_id"},
		),

		actionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilemud_action_latency_seconds",
				Help:    "Time from action submit to resolution broadcast.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instance_id", "kind"},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilemud_queue_wait_seconds",
				Help:    "Time an action spent queued before being drained.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instance_id"},
		),

		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemud_rate_limit_hits_total",
				Help: "Rate limiter rejections by channel.",
			},
			[]string{"channel"},
		),

		reconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemud_reconnect_attempts_total",
				Help: "Reconnect attempts by result.",
			},
			[]string{"result"},
		),

		janitorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tilemud_janitor_sweep_duration_seconds",
				Help:    "Duration of each Janitor sweep pass.",
				Buckets: prometheus.DefBuckets,
			},
		),

		serverStartTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemud_server_start_time_seconds",
				Help: "Unix timestamp when the server started.",
			},
		),

		registry: registry,
	}

	m.registry.MustRegister(
		m.admissionAttempts,
		m.admissionDuration,
		m.queueOps,
		m.queueSize,
		m.sessionOps,
		m.activeSessions,
		m.activeConnections,
		m.capacityUtilization,
		m.actionLatency,
		m.queueWait,
		m.rateLimitHits,
		m.reconnectAttempts,
		m.janitorDuration,
		m.serverStartTime,
	)

	m.serverStartTime.SetToCurrentTime()
	return m
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAdmission records one admission attempt's outcome, reason (empty on
// success), and duration.
func (m *Metrics) RecordAdmission(instanceID, outcome, reason string, duration time.Duration) {
	m.admissionAttempts.WithLabelValues(instanceID, outcome, reason).Inc()
	m.admissionDuration.WithLabelValues(instanceID, outcome).Observe(duration.Seconds())
}

// RecordQueueOp records an enqueue/drain outcome and refreshes the queue
// depth gauge for instanceID.
func (m *Metrics) RecordQueueOp(instanceID, outcome string, depth int) {
	m.queueOps.WithLabelValues(instanceID, outcome).Inc()
	m.queueSize.WithLabelValues(instanceID).Set(float64(depth))
}

// RecordSessionOp records a session lifecycle transition by outcome
// (created, reconnected, expired, removed) and the current active count.
func (m *Metrics) RecordSessionOp(outcome string, activeCount int) {
	m.sessionOps.WithLabelValues(outcome).Inc()
	m.activeSessions.Set(float64(activeCount))
}

// SetActiveConnections sets the current open-connection gauge.
func (m *Metrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// SetCapacityUtilization records seatsTaken/seatCapacity as a ratio for
// instanceID; a zero seatCapacity records zero rather than dividing by
// zero.
func (m *Metrics) SetCapacityUtilization(instanceID string, seatsTaken, seatCapacity int) {
	ratio := 0.0
	if seatCapacity > 0 {
		ratio = float64(seatsTaken) / float64(seatCapacity)
	}
	m.capacityUtilization.WithLabelValues(instanceID).Set(ratio)
}

// RecordActionLatency records the time from submit to resolution broadcast.
func (m *Metrics) RecordActionLatency(instanceID, kind string, d time.Duration) {
	m.actionLatency.WithLabelValues(instanceID, kind).Observe(d.Seconds())
}

// RecordQueueWait records the time an action spent queued before draining.
func (m *Metrics) RecordQueueWait(instanceID string, d time.Duration) {
	m.queueWait.WithLabelValues(instanceID).Observe(d.Seconds())
}

// RecordRateLimitHit records a rejection on the given channel.
func (m *Metrics) RecordRateLimitHit(channel string) {
	m.rateLimitHits.WithLabelValues(channel).Inc()
}

// RecordReconnectAttempt records a reconnect outcome (reconnected,
// grace_expired, missing_session).
func (m *Metrics) RecordReconnectAttempt(result string) {
	m.reconnectAttempts.WithLabelValues(result).Inc()
}

// RecordJanitorSweep records one sweep's wall-clock duration.
func (m *Metrics) RecordJanitorSweep(d time.Duration) {
	m.janitorDuration.Observe(d.Seconds())
}
