package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsRejected counts requests short-circuited by a pipeline stage.
	// Labels:
	//   - stage: "ratelimit", "csrf", "proctoring"
	//   - reason: stage specific ("exceeded", "missing", "expired", "invalid", "seb_required")
	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_requests_rejected_total",
			Help: "Total number of requests rejected by a security stage",
		},
		[]string{"stage", "reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmsguard_request_duration_seconds",
			Help:    "Time taken to serve requests through the security pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	CSRFTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lmsguard_csrf_tokens_issued_total",
			Help: "Total number of CSRF tokens issued",
		},
	)

	CSRFTokensSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lmsguard_csrf_tokens_swept_total",
			Help: "Total number of expired CSRF tokens removed by the janitor",
		},
	)

	CSRFStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmsguard_csrf_store_entries",
			Help: "Number of live CSRF tokens after the last sweep",
		},
	)

	// RateLimitBackendFallbacks counts Redis failures that forced the in-memory limiter.
	RateLimitBackendFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_ratelimit_backend_fallbacks_total",
			Help: "Total number of rate limit checks served by the in-memory fallback",
		},
		[]string{"operation"},
	)

	ProctoringDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_proctoring_decisions_total",
			Help: "Total number of proctoring gate decisions",
		},
		[]string{"outcome", "reason"},
	)

	AuditRecordsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lmsguard_audit_records_emitted_total",
			Help: "Total number of audit records written to the sink",
		},
	)

	// AuditRecordsDropped counts records that never reached the sink.
	// Reasons are buffer_full, sink_panic and closed.
	AuditRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_audit_records_dropped_total",
			Help: "Total number of audit records that could not be written",
		},
		[]string{"reason"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"backend", "operation"},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmsguard_goroutine_panics_total",
			Help: "Total number of panics recovered in background goroutines and handlers",
		},
		[]string{"component"},
	)
)
