package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/storage"
)

// ConnectionManager manages PostgreSQL primary and read replica connections.
// Decision reads go to replicas, administrative writes to the primary.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []replica
	current  uint32 // Atomic counter for round-robin selection
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
	open     func(url string) (*sql.DB, error)
}

type replica struct {
	url string
	db  *sql.DB
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionConfigFrom derives a ConnectionConfig from storage settings.
func ConnectionConfigFrom(cfg storage.Config) ConnectionConfig {
	return ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: cfg.ReplicaURLs(),
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
		MaxLifetime: cfg.PostgresMaxLifetime,
		MaxIdleTime: cfg.PostgresMaxIdleTime,
	}
}

// NewConnectionManager connects to the primary and every reachable replica.
// An unreachable primary is an error; unreachable replicas are skipped.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	cm := &ConnectionManager{
		config: config,
		logger: logger.WithField("component", "postgres"),
		open:   func(url string) (*sql.DB, error) { return sql.Open("postgres", url) },
	}

	primary, err := cm.open(config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	primary.SetMaxOpenConns(config.MaxConns)
	primary.SetMaxIdleConns(config.MinConns)
	primary.SetConnMaxLifetime(config.MaxLifetime)
	primary.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, url := range config.ReplicaURLs {
		if err := cm.AddReplica(url); err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("skipping replica")
		}
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("connection manager initialized")
	return cm, nil
}

// NewConnectionManagerFromDBs wraps already opened pools.
func NewConnectionManagerFromDBs(primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	cm := &ConnectionManager{
		primary: primary,
		logger:  observability.NewLogger(observability.InfoLevel, io.Discard),
		open:    func(url string) (*sql.DB, error) { return sql.Open("postgres", url) },
	}
	for i, db := range replicas {
		cm.replicas = append(cm.replicas, replica{url: fmt.Sprintf("replica-%d", i), db: db})
	}
	return cm
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))].db
}

// AllReplicas returns all replica connections
func (cm *ConnectionManager) AllReplicas() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	dbs := make([]*sql.DB, len(cm.replicas))
	for i, r := range cm.replicas {
		dbs[i] = r.db
	}
	return dbs
}

// HealthCheck checks the primary and reports when every replica is down.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	replicas := cm.snapshot()
	var unhealthy []string
	for _, r := range replicas {
		if err := r.db.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, r.url)
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: cm.primary.Stats()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, r := range cm.replicas {
		stats.Replicas[i] = r.db.Stats()
	}
	return stats
}

// RecordStats publishes pool gauges.
func (cm *ConnectionManager) RecordStats(m *observability.Metrics) {
	stats := cm.Stats()
	m.RecordDBStats("primary", stats.Primary)
	for i, s := range stats.Replicas {
		m.RecordDBStats(fmt.Sprintf("replica_%d", i), s)
	}
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping.
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]replica, 0, len(cm.replicas))
	removed := 0

	for _, r := range cm.replicas {
		if err := r.db.PingContext(ctx); err != nil {
			cm.logger.WithError(err).WithField("replica", r.url).Warn("removing unhealthy replica")
			r.db.Close()
			removed++
			continue
		}
		healthy = append(healthy, r)
	}

	cm.replicas = healthy
	return removed
}

// RestoreReplicas reconnects configured replicas that are not in the pool.
func (cm *ConnectionManager) RestoreReplicas() int {
	present := make(map[string]bool)
	for _, r := range cm.snapshot() {
		present[r.url] = true
	}

	restored := 0
	for _, url := range cm.config.ReplicaURLs {
		if present[url] {
			continue
		}
		if err := cm.AddReplica(url); err != nil {
			cm.logger.WithError(err).Debug("replica still unreachable")
			continue
		}
		restored++
	}
	return restored
}

// MaintainReplicas prunes unhealthy replicas and restores recovered ones.
func (cm *ConnectionManager) MaintainReplicas(ctx context.Context) (removed, restored int) {
	removed = cm.RemoveUnhealthyReplicas(ctx)
	restored = cm.RestoreReplicas()
	if removed > 0 || restored > 0 {
		cm.logger.WithFields(map[string]interface{}{
			"removed":  removed,
			"restored": restored,
		}).Info("replica pool changed")
	}
	return removed, restored
}

// AddReplica adds a new replica connection at runtime
func (cm *ConnectionManager) AddReplica(replicaURL string) error {
	db, err := cm.open(replicaURL)
	if err != nil {
		return fmt.Errorf("failed to open replica connection: %w", err)
	}

	// Replicas get half the primary pool
	maxConns := cm.config.MaxConns / 2
	if maxConns < 2 {
		maxConns = 2
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	timeout := cm.config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping replica: %w", err)
	}

	cm.mu.Lock()
	cm.replicas = append(cm.replicas, replica{url: replicaURL, db: db})
	cm.mu.Unlock()
	return nil
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for _, r := range replicas {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close error: %w", r.url, err))
		}
	}

	return errors.Join(errs...)
}

func (cm *ConnectionManager) snapshot() []replica {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]replica(nil), cm.replicas...)
}
