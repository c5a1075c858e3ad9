package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "texture_cache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "texture_cache_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Cache metrics
var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"result"}, // "hit", "miss", "precached"
	)

	PopulationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_populations_total",
			Help: "Total number of population attempts",
		},
		[]string{"mode", "status"}, // mode: "foreground", "background"; status: "ok", "unchanged", "error", "skipped"
	)

	PopulationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "texture_cache_population_duration_seconds",
			Help:    "Time spent producing a derivative (decode, transform, persist)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"mode"},
	)

	DedupWaitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texture_cache_dedup_waits_total",
			Help: "Requests that waited on a peer's in-flight population instead of running their own",
		},
	)

	InFlightKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "texture_cache_in_flight_keys",
			Help: "Number of cache keys currently being populated",
		},
	)

	InvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texture_cache_invalidations_total",
			Help: "Total number of cache invalidations",
		},
	)

	UsageFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texture_cache_usage_flushes_total",
			Help: "Total number of usage accumulator flushes",
		},
	)

	CleanupDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texture_cache_cleanup_deletes_total",
			Help: "Entries removed by the unused-texture cleanup sweep",
		},
	)
)

// Job queue metrics
var (
	JobsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_jobs_queued_total",
			Help: "Total number of jobs submitted to the queue",
		},
		[]string{"priority"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_jobs_completed_total",
			Help: "Total number of completed jobs",
		},
		[]string{"priority", "status"}, // status: "ok", "error", "canceled"
	)

	JobQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "texture_cache_job_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
		[]string{"priority"},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_db_queries_total",
			Help: "Total number of texture database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "texture_cache_db_query_duration_seconds",
			Help:    "Texture database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "texture_cache_db_transaction_duration_seconds",
			Help:    "Texture database transaction duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"outcome"}, // "commit", "rollback"
	)
)

// Filesystem retry metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_fs_stale_errors_total",
			Help: "NFS stale file handle errors encountered",
		},
		[]string{"operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_fs_retry_attempts_total",
			Help: "Filesystem operation retries attempted",
		},
		[]string{"operation"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texture_cache_fs_retry_failures_total",
			Help: "Filesystem operations that failed after all retries",
		},
		[]string{"operation"},
	)
)
