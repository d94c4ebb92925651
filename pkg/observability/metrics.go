package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// evaluationBuckets are the latency buckets of access evaluations, shared
// by the Prometheus histogram and the OTLP view.
var evaluationBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// Metrics holds all Prometheus metrics. Every Record method is safe on a nil
// receiver so callers can run without metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal        *prometheus.CounterVec
	DecisionDuration      *prometheus.HistogramVec
	EvaluationErrorsTotal *prometheus.CounterVec
	AuditFailuresTotal    prometheus.Counter
	BatchSize             prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Grant lifecycle
	GrantTransitionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive    *prometheus.GaugeVec
	DBConnectionsIdle      *prometheus.GaugeVec
	DBConnectionsWaitCount *prometheus.GaugeVec

	// Retention job
	AuditPurgedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacsgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_access_decisions_total",
				Help: "Access decisions by resource level, verdict and deciding source",
			},
			[]string{"level", "verdict", "source"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacsgate_access_decision_duration_seconds",
				Help:    "Time to reach an access decision",
				Buckets: evaluationBuckets,
			},
			[]string{"level"},
		),
		EvaluationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_access_evaluation_errors_total",
				Help: "Evaluations that ended in an error instead of a verdict",
			},
			[]string{"level", "status"},
		),
		AuditFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pacsgate_audit_write_failures_total",
				Help: "Decision audit records that could not be written",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pacsgate_access_batch_size",
				Help:    "Number of resources per batch visibility filter",
				Buckets: prometheus.ExponentialBuckets(1, 4, 7),
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier", "kind"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier", "kind"},
		),

		GrantTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacsgate_grant_transitions_total",
				Help: "Explicit grant state changes",
			},
			[]string{"status"},
		),

		DBConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacsgate_db_connections_active",
				Help: "Number of in-use database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacsgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsWaitCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacsgate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
			[]string{"pool"},
		),

		AuditPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pacsgate_audit_purged_total",
				Help: "Audit records removed by the retention job",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.EvaluationErrorsTotal,
		m.AuditFailuresTotal,
		m.BatchSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.GrantTransitionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.AuditPurgedTotal,
	)

	return m
}

// RecordDecision counts one verdict and its latency
func (m *Metrics) RecordDecision(level, verdict, source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(level, verdict, source).Inc()
	m.DecisionDuration.WithLabelValues(level).Observe(duration.Seconds())
}

// RecordEvaluationError counts an evaluation that failed with the given HTTP status
func (m *Metrics) RecordEvaluationError(level string, status int) {
	if m == nil {
		return
	}
	m.EvaluationErrorsTotal.WithLabelValues(level, strconv.Itoa(status)).Inc()
}

// RecordAuditFailure counts a decision that could not be audited
func (m *Metrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.Inc()
}

// RecordBatch observes the size of one batch filter call
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

// RecordCacheHit counts a cache hit in tier ("local" or "redis")
func (m *Metrics) RecordCacheHit(tier, kind string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(tier, kind).Inc()
}

// RecordCacheMiss counts a cache miss in tier
func (m *Metrics) RecordCacheMiss(tier, kind string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(tier, kind).Inc()
}

// RecordGrantTransition counts a grant moving into status
func (m *Metrics) RecordGrantTransition(status string) {
	if m == nil {
		return
	}
	m.GrantTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordAuditPurged adds n to the purged counter
func (m *Metrics) RecordAuditPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditPurgedTotal.Add(float64(n))
}

// RecordDBStats publishes connection pool statistics for a named pool
func (m *Metrics) RecordDBStats(pool string, stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.WithLabelValues(pool).Set(float64(stats.InUse))
	m.DBConnectionsIdle.WithLabelValues(pool).Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.WithLabelValues(pool).Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the mux route template so that path parameters such as
// UIDs do not explode label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
}
