// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry setup and graceful shutdown.
//
// # Logging
//
// Logger is a JSON logger on logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("resource_uid", uid).Info("evaluated")
//
// FromContext returns the request logger tagged with the request and user
// IDs placed in the context by the HTTP middleware.
//
// # Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("SERIES", "ALLOW", "rule", elapsed)
//
// Record methods are no-ops on a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(primary, redisClient).
//		WithReplicas(replicas...).
//		WithDependency("object_store", s3Client)
//
// Only the primary database makes the service unhealthy; the rest degrade it.
package observability
