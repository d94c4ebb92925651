package rbac

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// Config holds access-control configuration
type Config struct {
	// CacheEnabled puts a ConditionCache in front of the condition store
	CacheEnabled bool

	// CacheSize is the number of condition lists kept per process
	CacheSize int

	// CacheTTL bounds how stale a cached condition list may be
	CacheTTL time.Duration

	BatchConcurrency int
	MaxBatchSize     int

	// AutoMigrate applies pending schema migrations on Initialize
	AutoMigrate bool

	// SeedFile is applied on Initialize when set
	SeedFile string
}

// DefaultConfig returns default access-control configuration
func DefaultConfig() Config {
	return Config{
		CacheEnabled:     true,
		CacheSize:        4096,
		CacheTTL:         30 * time.Second,
		BatchConcurrency: DefaultBatchConcurrency,
		MaxBatchSize:     DefaultMaxBatchSize,
		AutoMigrate:      true,
	}
}

// Dependencies are the backends a Manager is built on. Only Pools is
// required.
type Dependencies struct {
	Pools       Pools
	SharedCache SharedCache
	Signer      ObjectSigner
	AuditLogger audit.Logger
	Metrics     *observability.Metrics
	Logger      *observability.Logger
}

// Manager wires the stores, cache, engine, guard and handlers together
type Manager struct {
	store    *Store
	cache    *ConditionCache
	engine   *Engine
	handlers *Handlers
	guard    *Guard
	pools    Pools
	config   Config
	logger   *observability.Logger
}

// NewManager creates a new manager
func NewManager(deps Dependencies, config Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	auditLogger := deps.AuditLogger
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	store := NewStore(deps.Pools)

	var (
		conditions ConditionLister = store
		cache      *ConditionCache
	)
	if config.CacheEnabled {
		opts := []CacheOption{WithCacheMetrics(deps.Metrics), WithCacheLogger(logger)}
		if deps.SharedCache != nil {
			opts = append(opts, WithSharedCache(deps.SharedCache))
		}
		cache = NewConditionCache(store, config.CacheSize, config.CacheTTL, opts...)
		store.SetInvalidator(cache)
		conditions = cache
	}

	engine := NewEngine(store, conditions, store, store,
		WithAuditLogger(auditLogger),
		WithMetrics(deps.Metrics),
		WithLogger(logger),
		WithBatchConcurrency(config.BatchConcurrency),
	)

	handlers := NewHandlers(engine, store, HandlersConfig{
		Signer:       deps.Signer,
		AuditLogger:  auditLogger,
		Metrics:      deps.Metrics,
		Logger:       logger,
		MaxBatchSize: config.MaxBatchSize,
	})

	return &Manager{
		store:    store,
		cache:    cache,
		engine:   engine,
		handlers: handlers,
		guard:    handlers.guard,
		pools:    deps.Pools,
		config:   config,
		logger:   logger,
	}
}

// Initialize applies migrations and the seed file as configured
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.AutoMigrate {
		if err := RunMigrations(ctx, m.pools.Primary(), m.logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if m.config.SeedFile != "" {
		seed, err := LoadSeedFile(m.config.SeedFile)
		if err != nil {
			return err
		}
		if _, err := ApplySeed(ctx, m.store, seed, m.logger); err != nil {
			return fmt.Errorf("failed to apply seed %s: %w", m.config.SeedFile, err)
		}
		if m.cache != nil {
			m.cache.Purge(ctx)
		}
	}

	return nil
}

// RegisterRoutes registers the HTTP API with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// GetStore returns the store
func (m *Manager) GetStore() *Store {
	return m.store
}

// GetEngine returns the decision engine
func (m *Manager) GetEngine() *Engine {
	return m.engine
}

// GetGuard returns the resource guard
func (m *Manager) GetGuard() *Guard {
	return m.guard
}

// GetCache returns the condition cache, or nil when caching is disabled
func (m *Manager) GetCache() *ConditionCache {
	return m.cache
}

// Evaluate is a convenience method for a single decision
func (m *Manager) Evaluate(ctx context.Context, userID, projectID int64, level ResourceLevel, uid string) (*EvaluationResult, error) {
	return m.engine.Evaluate(ctx, EvaluationRequest{
		UserID:        userID,
		ProjectID:     projectID,
		ResourceUID:   uid,
		ResourceLevel: level,
	})
}
