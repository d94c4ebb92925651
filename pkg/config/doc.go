// Package config loads pacsgate configuration from PACSGATE_* environment
// variables and validates it.
//
// Server settings:
//
//	PACSGATE_HOST="0.0.0.0"
//	PACSGATE_PORT="8080"
//	PACSGATE_HEALTH_PORT="9090"
//	PACSGATE_REQUEST_TIMEOUT="10s"
//
// Storage settings:
//
//	PACSGATE_POSTGRES_URL="postgres://pacs@localhost/pacsgate?sslmode=disable"
//	PACSGATE_POSTGRES_REPLICA_URLS="postgres://replica-1/pacsgate,postgres://replica-2/pacsgate"
//	PACSGATE_REDIS_URL="redis://localhost:6379/0"
//	PACSGATE_S3_BUCKET="pacs-objects"
//	PACSGATE_PRESIGN_TTL="15m"
//	PACSGATE_CACHE_TTL="30s"
//
// Access and audit settings:
//
//	PACSGATE_IDENTITY_HEADER="X-User-ID"
//	PACSGATE_BATCH_CONCURRENCY="8"
//	PACSGATE_SEED_FILE="/etc/pacsgate/policy.yaml"
//	PACSGATE_AUDIT_RETENTION_DAYS="2190"
//	PACSGATE_JANITOR_SCHEDULE="30 2 * * *"
//
// Observability settings:
//
//	PACSGATE_LOG_LEVEL="info"
//	PACSGATE_OTEL_ENABLED="true"
//	PACSGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// LoadConfig returns an error naming the first invalid setting.
package config
