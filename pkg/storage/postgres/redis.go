package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pacsgate/pkg/storage"
)

// scanPage is the COUNT hint for pattern invalidation. Each page is removed
// with one UNLINK.
const scanPage = 256

// RedisClient is the shared tier of the condition cache. Values are opaque
// encoded condition lists; the cache owns the key layout.
type RedisClient struct {
	client *redis.Client
}

func redisOptions(config storage.Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	// a cache lookup sits on the evaluation path; fail fast and fall
	// through to Postgres
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.PoolTimeout = time.Second
	return opts, nil
}

// NewRedisClient connects to config.RedisURL and pings it.
func NewRedisClient(ctx context.Context, config storage.Config) (*RedisClient, error) {
	opts, err := redisOptions(config)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an existing client.
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Get returns the value stored at key. A miss is (nil, false, nil).
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value at key for ttl.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// InvalidatePatterns removes every key matching one of the glob patterns.
func (c *RedisClient) InvalidatePatterns(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, pattern, scanPage).Result()
			if err != nil {
				return fmt.Errorf("redis scan %s: %w", pattern, err)
			}
			if err := c.Delete(ctx, keys...); err != nil {
				return err
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return nil
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}
