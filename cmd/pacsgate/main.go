package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/config"
	"github.com/platinummonkey/pacsgate/pkg/httputil"
	"github.com/platinummonkey/pacsgate/pkg/middleware"
	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/rbac"
	"github.com/platinummonkey/pacsgate/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply schema migrations and the seed file, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("pacsgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx := context.Background()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	backends, err := postgres.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	auditLogger, auditStore, err := openAudit(cfg, backends, metrics, logger)
	if err != nil {
		backends.Close()
		return err
	}

	deps := rbac.Dependencies{
		Pools:       backends.DB,
		AuditLogger: auditLogger,
		Metrics:     metrics,
		Logger:      logger,
	}
	if backends.Redis != nil {
		deps.SharedCache = backends.Redis
	}
	if backends.S3 != nil {
		deps.Signer = backends.S3
	}

	accessConfig := rbac.DefaultConfig()
	accessConfig.CacheEnabled = cfg.Storage.CacheEnabled
	accessConfig.CacheSize = cfg.Storage.L1CacheSize
	accessConfig.CacheTTL = cfg.Storage.CacheTTL
	accessConfig.BatchConcurrency = cfg.Access.BatchConcurrency
	accessConfig.MaxBatchSize = cfg.Access.MaxBatchSize
	accessConfig.AutoMigrate = cfg.Access.AutoMigrate || migrateOnly
	accessConfig.SeedFile = cfg.Access.SeedFile

	manager := rbac.NewManager(deps, accessConfig)
	if err := manager.Initialize(ctx); err != nil {
		auditLogger.Close()
		backends.Close()
		return err
	}
	if migrateOnly {
		logger.Info("migrations applied")
		auditLogger.Close()
		return backends.Close()
	}

	// API router
	router := mux.NewRouter()
	router.Use(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
		httputil.TimeoutMiddleware(cfg.Server.RequestTimeout),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewIdentityMiddleware(cfg.Access.IdentityHeader, true).Handler)
	manager.RegisterRoutes(api)
	if auditStore != nil {
		admin := api.NewRoute().Subrouter()
		admin.Use(middleware.RequireIdentity)
		audit.NewHandlers(auditStore).RegisterRoutes(admin)
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "pacsgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on their own port
	checker := observability.NewHealthChecker(backends.DB.Primary(), nil).
		WithReplicas(backends.DB.AllReplicas()...).
		WithVersion(version)
	if backends.Redis != nil {
		checker.WithDependency("redis", backends.Redis)
	}
	if backends.S3 != nil {
		checker.WithDependency("s3", backends.S3)
	}
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthRouter, registry)
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Replica pool upkeep and pool gauges
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Audit.ReplicaSchedule, func() {
		defer observability.RecoverPanic(logger, "replica maintenance")
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		backends.DB.MaintainReplicas(checkCtx)
		backends.DB.RecordStats(metrics)
	}); err != nil {
		return fmt.Errorf("failed to schedule replica maintenance: %w", err)
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("audit logger", func(context.Context) error { return auditLogger.Close() })
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error { return backends.Close() })
	if otel != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", otel.Shutdown)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		defer observability.RecoverPanic(logger, "health server")
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		defer observability.RecoverPanic(logger, "api server")
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"version": version,
		}).Info("pacsgate listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("api server failed")
			stop()
		}
	}()

	return shutdown.WaitForShutdown(serveCtx)
}

// openAudit builds the configured audit sinks. The returned store is nil
// when decisions are not kept in the database.
func openAudit(cfg *config.Config, backends *postgres.Backends, metrics *observability.Metrics, logger *observability.Logger) (audit.Logger, audit.Store, error) {
	var (
		sinks []audit.Logger
		store audit.Store
	)

	if cfg.Audit.DatabaseEnabled {
		dbLogger, err := audit.NewDBLogger(backends.DB.Primary())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create audit database logger: %w", err)
		}
		sinks = append(sinks, dbLogger)
		store = audit.NewDBStore(dbLogger, nil)
	}

	if cfg.Audit.FileEnabled {
		fileConfig := audit.DefaultFileLoggerConfig()
		fileConfig.Dir = cfg.Audit.FilePath
		fileConfig.MaxSize = cfg.Audit.FileMaxSize
		fileConfig.RetentionDays = cfg.Audit.FileRetentionDays
		fileLogger, err := audit.NewFileLogger(fileConfig)
		if err != nil {
			for _, sink := range sinks {
				sink.Close()
			}
			return nil, nil, fmt.Errorf("failed to create audit file logger: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}

	if len(sinks) == 0 {
		logger.Warn("audit logging is disabled")
		return audit.NewNoOpLogger(), nil, nil
	}

	multi := audit.NewMultiLogger(sinks...)
	multi.OnError(func(err error) {
		metrics.RecordAuditFailure()
		logger.WithError(err).Warn("audit sink failed")
	})
	return multi, store, nil
}
