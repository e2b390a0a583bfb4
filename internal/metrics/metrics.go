// Package metrics provides Prometheus metrics for MenuVault
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MenuVault
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Database metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec

	// Engine metrics
	ChangesIngestedTotal   prometheus.Counter
	TriggerDecisionsTotal  *prometheus.CounterVec
	VersionsCreatedTotal   *prometheus.CounterVec
	RollbacksTotal         prometheus.Counter
	ComparesTotal          prometheus.Counter
	ScheduledActivations   prometheus.Counter
	BufferedChanges        *prometheus.GaugeVec
	AuditEntriesTotal      prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// HTTP request metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "menuvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "menuvault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "menuvault_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Database metrics
	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "menuvault_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "menuvault_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// Engine metrics
	m.ChangesIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "menuvault_changes_ingested_total",
			Help: "Total number of field changes received by intake",
		},
	)

	m.TriggerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "menuvault_trigger_decisions_total",
			Help: "Trigger evaluation outcomes",
		},
		[]string{"decision"},
	)

	m.VersionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "menuvault_versions_created_total",
			Help: "Versions cut, labeled by reason",
		},
		[]string{"reason"},
	)

	m.RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "menuvault_rollbacks_total",
			Help: "Total number of published rollbacks",
		},
	)

	m.ComparesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "menuvault_compares_total",
			Help: "Total number of version comparisons",
		},
	)

	m.ScheduledActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "menuvault_scheduled_activations_total",
			Help: "Scheduled versions activated by the sweep",
		},
	)

	m.BufferedChanges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "menuvault_buffered_changes",
			Help: "Current buffered change count per scope",
		},
		[]string{"scope"},
	)

	m.AuditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "menuvault_audit_entries_total",
			Help: "Total number of audit ledger entries written",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "menuvault_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request with its status
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDbOperation records a database operation
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDecision records one trigger evaluation outcome
func (m *Metrics) RecordDecision(decision string) {
	m.TriggerDecisionsTotal.WithLabelValues(decision).Inc()
}
