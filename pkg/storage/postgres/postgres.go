// Package postgres holds the storage backends: the Postgres connection
// manager, the Redis cache client and the S3 object client.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/storage"
)

// Backends bundles the storage clients of one process. Redis and S3 are nil
// when they are not configured.
type Backends struct {
	DB    *ConnectionManager
	Redis *RedisClient
	S3    *S3Client
}

// Open connects every configured backend. A failure closes whatever was
// already opened.
func Open(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*Backends, error) {
	db, err := NewConnectionManager(ConnectionConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b := &Backends{DB: db}

	if cfg.CacheEnabled && cfg.RedisEnabled() {
		b.Redis, err = NewRedisClient(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
	}

	if cfg.S3Enabled() {
		b.S3, err = NewS3Client(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
	}

	return b, nil
}

// Close releases every open backend.
func (b *Backends) Close() error {
	var errs []error
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.DB != nil {
		errs = append(errs, b.DB.Close())
	}
	return errors.Join(errs...)
}
