package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	// HTTPRequestDuration tracks request latency by method, path, and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Database metrics
var (
	// DBTransactionDuration tracks transaction duration by operation label.
	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	// DBSequenceConflicts counts event sequence uniqueness conflicts by operation.
	DBSequenceConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_sequence_conflicts_total",
			Help: "Total number of per-aggregate sequence conflicts",
		},
		[]string{"operation"},
	)
)

// Outbox metrics
var (
	// OutboxPendingRows gauges the number of unprocessed outbox rows.
	OutboxPendingRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_rows",
			Help: "Number of unprocessed rows in the outbox",
		},
	)

	// OutboxOldestUnprocessedAge gauges the age in seconds of the oldest unprocessed row.
	OutboxOldestUnprocessedAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_oldest_unprocessed_age_seconds",
			Help: "Age of the oldest unprocessed outbox row in seconds",
		},
	)

	// OutboxPublishedTotal counts outbox rows successfully published to the bus.
	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows published to the bus",
		},
		[]string{"message_type"},
	)

	// OutboxPublishFailures counts publish attempts that failed.
	OutboxPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
		[]string{"message_type"},
	)
)

// Worker and business metrics
var (
	// WorkerMessagesProcessed counts consumed bus messages by processing result.
	WorkerMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_processed_total",
			Help: "Total number of bus messages processed by the worker",
		},
		[]string{"result"},
	)

	// LockAcquisitions counts distributed lock acquisition attempts by outcome.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total number of distributed lock acquisition attempts",
		},
		[]string{"outcome"},
	)

	// IdempotencyReplays counts authorize requests answered from an existing aggregate.
	IdempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Total number of idempotent authorize replays",
		},
	)

	// AuthorizationsCompleted counts authorization requests reaching a terminal status.
	AuthorizationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorizations_completed_total",
			Help: "Total number of authorization requests reaching a terminal status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns an HTTP middleware that records request metrics.
// Side effects: records Prometheus metrics and reads the current time.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)
		path := normalizePath(r.URL.Path)

		HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// normalizePath normalizes URL paths to avoid cardinality explosion.
// The auth_request_id path segment is replaced with a placeholder.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/authorize/") {
		return path
	}
	rest := path[len("/v1/authorize/"):]
	switch {
	case strings.HasSuffix(rest, "/status"):
		return "/v1/authorize/{id}/status"
	case strings.HasSuffix(rest, "/void"):
		return "/v1/authorize/{id}/void"
	default:
		return "/v1/authorize/{id}"
	}
}

// RecordSequenceConflict increments the sequence conflict counter.
// Side effects: records a Prometheus metric.
func RecordSequenceConflict(operation string) {
	DBSequenceConflicts.WithLabelValues(operation).Inc()
}

// RecordTransactionDuration records a transaction duration.
// Side effects: records a Prometheus metric.
func RecordTransactionDuration(operation string, duration time.Duration) {
	DBTransactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIdempotencyReplay increments the idempotent replay counter.
// Side effects: records a Prometheus metric.
func RecordIdempotencyReplay() {
	IdempotencyReplays.Inc()
}

// RecordAuthorizationCompleted increments the terminal status counter.
// Side effects: records a Prometheus metric.
func RecordAuthorizationCompleted(status string) {
	AuthorizationsCompleted.WithLabelValues(status).Inc()
}

// RecordLockAcquisition increments the lock acquisition counter.
// Side effects: records a Prometheus metric.
func RecordLockAcquisition(outcome string) {
	LockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordWorkerResult increments the worker processing result counter.
// Side effects: records a Prometheus metric.
func RecordWorkerResult(result string) {
	WorkerMessagesProcessed.WithLabelValues(result).Inc()
}
