package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// registering twice on the same registry panics
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_RecordDecision(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordDecision("SERIES", "ALLOW", "rule", 2*time.Millisecond)
	metrics.RecordDecision("SERIES", "ALLOW", "rule", 3*time.Millisecond)
	metrics.RecordDecision("STUDY", "DENY", "membership", time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("SERIES", "ALLOW", "rule")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("STUDY", "DENY", "membership")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.DecisionDuration))
}

func TestMetrics_Counters(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordEvaluationError("STUDY", http.StatusServiceUnavailable)
	metrics.RecordAuditFailure()
	metrics.RecordCacheHit("local", "role")
	metrics.RecordCacheMiss("redis", "project")
	metrics.RecordGrantTransition("APPROVED")
	metrics.RecordAuditPurged(12)
	metrics.RecordAuditPurged(0)
	metrics.RecordBatch(40)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EvaluationErrorsTotal.WithLabelValues("STUDY", "503")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditFailuresTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("local", "role")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("redis", "project")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GrantTransitionsTotal.WithLabelValues("APPROVED")))
	assert.Equal(t, float64(12), testutil.ToFloat64(metrics.AuditPurgedTotal))
}

func TestMetrics_RecordDBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.RecordDBStats("primary", sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7})

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.DBConnectionsActive.WithLabelValues("primary")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DBConnectionsIdle.WithLabelValues("primary")))
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.DBConnectionsWaitCount.WithLabelValues("primary")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.RecordDecision("STUDY", "ALLOW", "explicit", time.Millisecond)
		metrics.RecordEvaluationError("STUDY", 500)
		metrics.RecordAuditFailure()
		metrics.RecordBatch(1)
		metrics.RecordCacheHit("local", "role")
		metrics.RecordCacheMiss("local", "role")
		metrics.RecordGrantTransition("REVOKED")
		metrics.RecordAuditPurged(1)
		metrics.RecordDBStats("primary", sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/studies/{uid}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	for _, uid := range []string{"1.2.3", "1.2.4"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/studies/"+uid, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	}

	// both UIDs collapse into the route template
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/studies/{uid}", "403")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RecordAuditFailure()

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pacsgate_audit_write_failures_total 1")
}
