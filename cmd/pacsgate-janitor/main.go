package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/config"
	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/storage/postgres"
)

var runOnce = flag.Bool("run-once", false, "Run audit retention once and exit")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("component", "janitor")

	ctx := context.Background()
	backends, err := postgres.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer backends.Close()

	dbLogger, err := audit.NewDBLogger(backends.DB.Primary())
	if err != nil {
		logger.WithError(err).Error("failed to open audit log")
		os.Exit(1)
	}

	var archiver audit.Archiver
	if backends.S3 != nil {
		archiver = backends.S3
	} else if cfg.Audit.ArchiveEnabled {
		logger.Warn("audit archiving is enabled but no S3 bucket is configured; expired events will be deleted without an archive")
	}
	store := audit.NewDBStore(dbLogger, archiver)

	policy := audit.RetentionPolicy{
		RetentionDays:  cfg.Audit.RetentionDays,
		ArchiveEnabled: cfg.Audit.ArchiveEnabled,
		ArchivePrefix:  cfg.Audit.ArchivePrefix,
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	if *runOnce {
		if err := runRetention(store, policy, metrics, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()

	// Audit retention
	_, err = c.AddFunc(cfg.Audit.JanitorSchedule, func() {
		defer observability.RecoverPanic(logger, "audit retention")
		runRetention(store, policy, metrics, logger)
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule audit retention")
		os.Exit(1)
	}

	// Replica health
	_, err = c.AddFunc(cfg.Audit.ReplicaSchedule, func() {
		defer observability.RecoverPanic(logger, "replica maintenance")
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		backends.DB.MaintainReplicas(checkCtx)
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule replica maintenance")
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"retention_schedule": cfg.Audit.JanitorSchedule,
		"replica_schedule":   cfg.Audit.ReplicaSchedule,
		"retention_days":     policy.RetentionDays,
	}).Info("janitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	<-c.Stop().Done()
	logger.Info("janitor stopped")
}

func runRetention(store *audit.DBStore, policy audit.RetentionPolicy, metrics *observability.Metrics, logger *observability.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	start := time.Now()
	deleted, err := store.Cleanup(ctx, policy)
	if err != nil {
		logger.WithError(err).Error("audit retention failed")
		return err
	}
	metrics.RecordAuditPurged(deleted)
	logger.WithFields(map[string]interface{}{
		"deleted":  deleted,
		"duration": time.Since(start).String(),
	}).Info("audit retention complete")
	return nil
}
