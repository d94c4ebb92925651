package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Access-control configuration
	Access AccessConfig

	// Audit configuration
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AccessConfig holds decision engine settings
type AccessConfig struct {
	// Header carrying the user id authenticated by the gateway
	IdentityHeader string

	// Parallel evaluations per batch filter request
	BatchConcurrency int
	MaxBatchSize     int

	// Optional YAML policy applied at startup
	SeedFile string

	// Run schema migrations on startup
	AutoMigrate bool
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	DatabaseEnabled bool
	FileEnabled     bool
	FilePath        string
	FileMaxSize     int64

	// FileRetentionDays bounds the local journals. RetentionDays bounds
	// the database copy.
	FileRetentionDays int

	RetentionDays   int
	ArchiveEnabled  bool
	ArchivePrefix   string
	JanitorSchedule string
	ReplicaSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Access:        loadAccessConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PACSGATE_HOST", "0.0.0.0"),
		Port:            getEnv("PACSGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PACSGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PACSGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PACSGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PACSGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("PACSGATE_REQUEST_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt64("PACSGATE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("PACSGATE_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	cfg.PostgresURL = getEnv("PACSGATE_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("PACSGATE_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("PACSGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("PACSGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("PACSGATE_POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.PostgresMaxLifetime = getEnvDuration("PACSGATE_POSTGRES_MAX_LIFETIME", cfg.PostgresMaxLifetime)
	cfg.PostgresMaxIdleTime = getEnvDuration("PACSGATE_POSTGRES_MAX_IDLE_TIME", cfg.PostgresMaxIdleTime)

	// S3 config
	cfg.S3Endpoint = getEnv("PACSGATE_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("PACSGATE_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("PACSGATE_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("PACSGATE_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("PACSGATE_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("PACSGATE_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3CreateBucket = getEnvBool("PACSGATE_S3_CREATE_BUCKET", cfg.S3CreateBucket)
	cfg.PresignTTL = getEnvDuration("PACSGATE_PRESIGN_TTL", cfg.PresignTTL)

	// Redis config
	cfg.RedisURL = getEnv("PACSGATE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("PACSGATE_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("PACSGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("PACSGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("PACSGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Cache config
	cfg.CacheEnabled = getEnvBool("PACSGATE_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheTTL = getEnvDuration("PACSGATE_CACHE_TTL", cfg.CacheTTL)
	if size := getEnvInt("PACSGATE_L1_CACHE_SIZE", 0); size > 0 {
		cfg.L1CacheSize = size
	}

	return cfg
}

func loadAccessConfig() AccessConfig {
	return AccessConfig{
		IdentityHeader:   getEnv("PACSGATE_IDENTITY_HEADER", "X-User-ID"),
		BatchConcurrency: getEnvInt("PACSGATE_BATCH_CONCURRENCY", 8),
		MaxBatchSize:     getEnvInt("PACSGATE_MAX_BATCH_SIZE", 1000),
		SeedFile:         getEnv("PACSGATE_SEED_FILE", ""),
		AutoMigrate:      getEnvBool("PACSGATE_AUTO_MIGRATE", true),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		DatabaseEnabled:   getEnvBool("PACSGATE_AUDIT_DB_ENABLED", true),
		FileEnabled:       getEnvBool("PACSGATE_AUDIT_FILE_ENABLED", false),
		FilePath:          getEnv("PACSGATE_AUDIT_FILE_PATH", "/var/log/pacsgate/audit"),
		FileMaxSize:       getEnvInt64("PACSGATE_AUDIT_FILE_MAX_SIZE", 100*1024*1024),
		FileRetentionDays: getEnvInt("PACSGATE_AUDIT_FILE_RETENTION_DAYS", 30),
		RetentionDays:     getEnvInt("PACSGATE_AUDIT_RETENTION_DAYS", 6*365),
		ArchiveEnabled:    getEnvBool("PACSGATE_AUDIT_ARCHIVE_ENABLED", true),
		ArchivePrefix:     getEnv("PACSGATE_AUDIT_ARCHIVE_PREFIX", "audit-archive"),
		JanitorSchedule:   getEnv("PACSGATE_JANITOR_SCHEDULE", "30 2 * * *"),
		ReplicaSchedule:   getEnv("PACSGATE_REPLICA_CHECK_SCHEDULE", "@every 30s"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("PACSGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PACSGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PACSGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PACSGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PACSGATE_OTEL_SERVICE_NAME", "pacsgate"),
		OTelServiceVersion: getEnv("PACSGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PACSGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PACSGATE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.S3Enabled() && c.Storage.PresignTTL <= 0 {
		return fmt.Errorf("presign TTL must be positive when an S3 bucket is configured")
	}
	if c.Storage.CacheEnabled && (c.Storage.CacheTTL <= 0 || c.Storage.L1CacheSize <= 0) {
		return fmt.Errorf("cache TTL and L1 cache size must be positive when the cache is enabled")
	}

	if c.Access.IdentityHeader == "" {
		return fmt.Errorf("identity header is required")
	}
	if c.Access.BatchConcurrency <= 0 {
		return fmt.Errorf("batch concurrency must be positive")
	}
	if c.Access.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}

	if !c.Audit.DatabaseEnabled && !c.Audit.FileEnabled {
		return fmt.Errorf("at least one audit sink must be enabled")
	}
	if c.Audit.FileEnabled && c.Audit.FilePath == "" {
		return fmt.Errorf("audit file path is required when the file sink is enabled")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}
	if _, err := cron.ParseStandard(c.Audit.JanitorSchedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", c.Audit.JanitorSchedule, err)
	}
	if _, err := cron.ParseStandard(c.Audit.ReplicaSchedule); err != nil {
		return fmt.Errorf("invalid replica check schedule %q: %w", c.Audit.ReplicaSchedule, err)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
