// Package metrics provides Prometheus metrics for the files service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "files_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "files_content_bytes_downloaded_total",
			Help: "Total bytes served to readers",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "files_content_bytes_uploaded_total",
			Help: "Total bytes written to storage backends",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	// Deduplication metrics
	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "files_dedup_hits_total",
			Help: "Uploads answered with an existing record",
		},
	)

	dedupRacesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "files_dedup_races_total",
			Help: "Concurrent identical uploads reconciled after an insert conflict",
		},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "files_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "files_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "files_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Registry metrics
	storageLocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "files_storage_locations",
			Help: "Number of storage configurations with a live backend",
		},
	)

	// Retention cleanup metrics
	cleanupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_cleanup_runs_total",
			Help: "Retention cleanup runs by outcome",
		},
		[]string{"outcome"},
	)

	cleanupFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_cleanup_files_total",
			Help: "Files processed by retention cleanup",
		},
		[]string{"result"},
	)

	cleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "files_cleanup_duration_seconds",
			Help:    "Retention cleanup run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordDedupHit records an upload short-circuited by an existing record.
func RecordDedupHit() {
	dedupHitsTotal.Inc()
}

// RecordDedupRace records a reconciled insert conflict.
func RecordDedupRace() {
	dedupRacesTotal.Inc()
}

// RecordBackendOperation records a storage backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetStorageLocations sets the number of live storage locations.
func SetStorageLocations(count int) {
	storageLocations.Set(float64(count))
}

// RecordCleanupRun records a finished (or skipped) retention cleanup run.
func RecordCleanupRun(outcome string, deleted, failed int, duration time.Duration) {
	cleanupRunsTotal.WithLabelValues(outcome).Inc()
	cleanupFilesTotal.WithLabelValues("deleted").Add(float64(deleted))
	cleanupFilesTotal.WithLabelValues("failed").Add(float64(failed))
	if outcome != "skipped" {
		cleanupDuration.Observe(duration.Seconds())
	}
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the chi route pattern so ids in paths do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
