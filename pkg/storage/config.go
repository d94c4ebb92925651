package storage

import (
	"strings"
	"time"
)

// Config for the storage backends: the Postgres primary and replicas, the
// Redis tier of the condition cache and the S3 bucket holding instance
// objects and audit archives.
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // Comma-separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3CreateBucket bool
	PresignTTL     time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Cache config
	CacheEnabled bool
	CacheTTL     time.Duration
	L1CacheSize  int // Entries
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		S3Region:            "us-east-1",
		PresignTTL:          15 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		CacheEnabled:        true,
		CacheTTL:            30 * time.Second,
		L1CacheSize:         4096,
	}
}

// ReplicaURLs splits PostgresReplicaURLs, dropping empty entries.
func (c Config) ReplicaURLs() []string {
	if c.PostgresReplicaURLs == "" {
		return nil
	}

	parts := strings.Split(c.PostgresReplicaURLs, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

// RedisEnabled reports whether a Redis URL is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// S3Enabled reports whether an object bucket is configured.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != ""
}
