// Package metrics provides Prometheus metrics for the document viewer.
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
			Name: "mkviewer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkviewer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Document cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_cache_lookups_total",
			Help: "Fingerprint cache lookups by result (hit, miss, stale)",
		},
		[]string{"tier", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mkviewer_cache_evictions_total",
			Help: "Entries evicted from the fingerprint cache",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mkviewer_cache_entries",
			Help: "Number of entries in the fingerprint cache",
		},
	)

	// Conversion metrics
	conversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_conversions_total",
			Help: "Document conversions by type and status",
		},
		[]string{"type", "status"},
	)

	conversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkviewer_conversion_duration_seconds",
			Help:    "Document conversion duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Tree metrics
	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mkviewer_tree_documents",
			Help: "Number of previewable documents in the last listing",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkviewer_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Search backend metrics
	searchOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mkviewer_search_operation_duration_seconds",
			Help:    "Search backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	searchOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_search_operations_total",
			Help: "Total search backend operations",
		},
		[]string{"operation", "status"},
	)

	shapeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_shape_attempts_total",
			Help: "Search call-shape attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_sync_runs_total",
			Help: "Index reconciliation runs",
		},
		[]string{"status"},
	)

	syncDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_sync_documents_total",
			Help: "Documents touched by reconciliation by action",
		},
		[]string{"action"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mkviewer_sync_duration_seconds",
			Help:    "Index reconciliation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Event metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mkviewer_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mkviewer_events_published_total",
			Help: "Sync events published by sink",
		},
		[]string{"sink", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache lookup. tier is "memory" or "shared".
func RecordCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordCacheEviction records an LRU eviction.
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// SetCacheEntries sets the current cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordConversion records a document conversion.
func RecordConversion(docType string, duration time.Duration, success bool) {
	conversionsTotal.WithLabelValues(docType, status(success)).Inc()
	conversionDuration.WithLabelValues(docType).Observe(duration.Seconds())
}

// SetTreeSize sets the number of documents in the last listing.
func SetTreeSize(n int) {
	treeSize.Set(float64(n))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordSearchOperation records a search backend operation.
func RecordSearchOperation(operation string, duration time.Duration, success bool) {
	searchOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	searchOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordShapeAttempt records one call-shape negotiation attempt.
// result is "accepted", "rejected" or "failed".
func RecordShapeAttempt(strategy, result string) {
	shapeAttemptsTotal.WithLabelValues(strategy, result).Inc()
}

// RecordSync records a finished reconciliation run.
func RecordSync(duration time.Duration, updated, removed, failed int, success bool) {
	syncRunsTotal.WithLabelValues(status(success)).Inc()
	syncDuration.Observe(duration.Seconds())
	syncDocumentsTotal.WithLabelValues("updated").Add(float64(updated))
	syncDocumentsTotal.WithLabelValues("removed").Add(float64(removed))
	syncDocumentsTotal.WithLabelValues("failed").Add(float64(failed))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int) {
	sseConnectionsActive.Set(float64(count))
}

// RecordEventPublished records a sync event delivery.
func RecordEventPublished(sink string, success bool) {
	eventsPublishedTotal.WithLabelValues(sink, status(success)).Inc()
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
// Paths are labelled by route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
