// Package metrics provides Prometheus metrics for the quince node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Filesystem metrics
	fsOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_fs_operations_total",
			Help: "Total filesystem operations",
		},
		[]string{"operation", "status"},
	)

	fsOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_fs_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Block store metrics
	blockBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_block_bytes_written_total",
			Help: "Total bytes written to the block store",
		},
	)

	blockBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_block_bytes_read_total",
			Help: "Total bytes read from the block store",
		},
	)

	blockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_block_operation_duration_seconds",
			Help:    "Block store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	blockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_block_operations_total",
			Help: "Total block store operations",
		},
		[]string{"operation", "status"},
	)

	blockStoreReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_block_store_ready",
			Help: "Whether the block store is ready (1) or degraded (0)",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Index worker metrics
	indexBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_index_batches_total",
			Help: "Total index worker batches processed",
		},
		[]string{"status"},
	)

	indexRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_index_records_total",
			Help: "Total change-log records applied to the search index",
		},
	)

	indexLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_index_lag",
			Help: "Change-log entries not yet applied to the search index",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	sessionsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_sessions_cleaned_total",
			Help: "Total expired sessions removed by cleanup",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordFSOperation records a filesystem operation.
func RecordFSOperation(operation string, duration time.Duration, success bool) {
	fsOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	fsOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBlockWrite records a block store write.
func RecordBlockWrite(bytes int64, duration time.Duration, success bool) {
	blockBytesWritten.Add(float64(bytes))
	recordBlockOp("put", duration, success)
}

// RecordBlockRead records a block store read.
func RecordBlockRead(bytes int64, duration time.Duration, success bool) {
	blockBytesRead.Add(float64(bytes))
	recordBlockOp("get", duration, success)
}

// RecordBlockOperation records a block store operation other than put/get.
func RecordBlockOperation(operation string, duration time.Duration, success bool) {
	recordBlockOp(operation, duration, success)
}

func recordBlockOp(operation string, duration time.Duration, success bool) {
	blockOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	blockOperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetBlockStoreReady sets the block store readiness gauge.
func SetBlockStoreReady(ready bool) {
	if ready {
		blockStoreReady.Set(1)
	} else {
		blockStoreReady.Set(0)
	}
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordIndexBatch records an index worker batch.
func RecordIndexBatch(records int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	indexBatchesTotal.WithLabelValues(status).Inc()
	indexRecordsTotal.Add(float64(records))
}

// SetIndexLag sets the number of pending change-log entries.
func SetIndexLag(lag int64) {
	indexLag.Set(float64(lag))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordSessionsCleaned records expired sessions removed by cleanup.
func RecordSessionsCleaned(count int) {
	sessionsCleanedTotal.Add(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
