package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// Pinger is any optional dependency that can report its reachability,
// such as the object store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	db       *sql.DB
	replicas []*sql.DB
	redis    *redis.Client
	optional map[string]Pinger
	version  string
}

// NewHealthChecker creates a new health checker. db is the primary database
// and is the only dependency whose failure makes the service unhealthy.
func NewHealthChecker(db *sql.DB, redis *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:       db,
		redis:    redis,
		optional: make(map[string]Pinger),
		version:  "dev",
	}
}

// WithReplicas adds read replicas; a failing replica only degrades health.
func (h *HealthChecker) WithReplicas(replicas ...*sql.DB) *HealthChecker {
	h.replicas = append(h.replicas, replicas...)
	return h
}

// WithDependency registers an optional named dependency.
func (h *HealthChecker) WithDependency(name string, p Pinger) *HealthChecker {
	h.optional[name] = p
	return h
}

// WithVersion sets the version reported by Check.
func (h *HealthChecker) WithVersion(version string) *HealthChecker {
	h.version = version
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness returns a readiness probe (checks all dependencies)
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	// 503 only when the primary is down; degraded still serves
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

// Check performs a comprehensive health check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	degrade := func(dep DependencyStatus) {
		if dep.Status != StatusHealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	if h.db != nil {
		dbStatus := checkDatabase(ctx, h.db)
		status.Dependencies["database"] = dbStatus
		switch dbStatus.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			degrade(dbStatus)
		}
	}

	for i, replica := range h.replicas {
		dep := checkDatabase(ctx, replica)
		status.Dependencies[fmt.Sprintf("replica_%d", i)] = dep
		degrade(dep)
	}

	if h.redis != nil {
		dep := h.checkRedis(ctx)
		status.Dependencies["redis"] = dep
		degrade(dep)
	}

	names := make([]string, 0, len(h.optional))
	for name := range h.optional {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := checkPinger(ctx, h.optional[name])
		status.Dependencies[name] = dep
		degrade(dep)
	}

	return status
}

// checkDatabase checks PostgreSQL health
func checkDatabase(ctx context.Context, db *sql.DB) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	err := db.PingContext(ctx)
	status.Latency = time.Since(start)

	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
		return status
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "query failed: " + err.Error()
		return status
	}

	stats := db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}

	return status
}

// checkRedis checks Redis health
func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	err := h.redis.Ping(ctx).Err()
	status.Latency = time.Since(start)

	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}

	return status
}

func checkPinger(ctx context.Context, p Pinger) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if err := p.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	status.Latency = time.Since(start)

	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods("GET")
	router.HandleFunc("/health/live", checker.Liveness).Methods("GET")
	router.HandleFunc("/health/ready", checker.Readiness).Methods("GET")
}
