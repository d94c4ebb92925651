package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// SharedCache is the cache tier shared by every server instance.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

const (
	tierLocal  = "local"
	tierShared = "redis"
)

// ConditionCache is a read-through cache in front of a ConditionLister.
// Entries live in a process-local LRU and, when configured, a shared tier.
// Shared tier failures fall back to the underlying lister.
type ConditionCache struct {
	next    ConditionLister
	local   *lru.LRU[string, []BoundCondition]
	shared  SharedCache
	ttl     time.Duration
	group   singleflight.Group
	gen     atomic.Uint64
	metrics *observability.Metrics
	logger  *observability.Logger
}

// CacheOption configures a ConditionCache.
type CacheOption func(*ConditionCache)

// WithSharedCache adds a shared tier behind the local LRU.
func WithSharedCache(shared SharedCache) CacheOption {
	return func(c *ConditionCache) { c.shared = shared }
}

// WithCacheMetrics records hits and misses per tier.
func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *ConditionCache) { c.metrics = m }
}

// WithCacheLogger sets the logger for shared tier failures.
func WithCacheLogger(l *observability.Logger) CacheOption {
	return func(c *ConditionCache) { c.logger = l }
}

// NewConditionCache wraps next with a cache holding up to size lists for ttl.
func NewConditionCache(next ConditionLister, size int, ttl time.Duration, opts ...CacheOption) *ConditionCache {
	c := &ConditionCache{
		next:   next,
		local:  lru.NewLRU[string, []BoundCondition](size, nil, ttl),
		ttl:    ttl,
		logger: observability.NewLogger(observability.InfoLevel, io.Discard),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func roleKey(roleID int64) string {
	return fmt.Sprintf("conditions:role:%d", roleID)
}

func projectKey(projectID int64) string {
	return fmt.Sprintf("conditions:project:%d", projectID)
}

// ListConditionsForRole returns the cached list for the role.
func (c *ConditionCache) ListConditionsForRole(ctx context.Context, roleID int64) ([]BoundCondition, error) {
	return c.get(ctx, string(SourceRole), roleKey(roleID), func(ctx context.Context) ([]BoundCondition, error) {
		return c.next.ListConditionsForRole(ctx, roleID)
	})
}

// ListConditionsForProject returns the cached list for the project.
func (c *ConditionCache) ListConditionsForProject(ctx context.Context, projectID int64) ([]BoundCondition, error) {
	return c.get(ctx, string(SourceProject), projectKey(projectID), func(ctx context.Context) ([]BoundCondition, error) {
		return c.next.ListConditionsForProject(ctx, projectID)
	})
}

func (c *ConditionCache) get(ctx context.Context, kind, key string, load func(context.Context) ([]BoundCondition, error)) ([]BoundCondition, error) {
	if list, ok := c.local.Get(key); ok {
		c.metrics.RecordCacheHit(tierLocal, kind)
		return cloneConditions(list), nil
	}
	c.metrics.RecordCacheMiss(tierLocal, kind)

	if list, ok := c.fromShared(ctx, kind, key); ok {
		c.local.Add(key, list)
		return cloneConditions(list), nil
	}

	// the load is shared by every waiter, so one caller going away must not
	// cancel it for the others
	loadCtx := context.WithoutCancel(ctx)
	gen := c.gen.Load()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		list, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		// an invalidation while loading means list may already be stale
		if c.gen.Load() == gen {
			c.local.Add(key, list)
			c.toShared(loadCtx, key, list)
		}
		return list, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneConditions(res.Val.([]BoundCondition)), nil
	}
}

func (c *ConditionCache) fromShared(ctx context.Context, kind, key string) ([]BoundCondition, bool) {
	if c.shared == nil {
		return nil, false
	}

	data, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("shared condition cache read failed")
		return nil, false
	}
	if !ok {
		c.metrics.RecordCacheMiss(tierShared, kind)
		return nil, false
	}

	var list []BoundCondition
	if err := json.Unmarshal(data, &list); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("discarding undecodable cache entry")
		c.metrics.RecordCacheMiss(tierShared, kind)
		return nil, false
	}
	c.metrics.RecordCacheHit(tierShared, kind)
	return list, true
}

func (c *ConditionCache) toShared(ctx context.Context, key string, list []BoundCondition) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to encode condition list")
		return
	}
	if err := c.shared.Set(context.WithoutCancel(ctx), key, data, c.ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("shared condition cache write failed")
	}
}

// InvalidateRoles drops the cached lists of the given roles.
func (c *ConditionCache) InvalidateRoles(ctx context.Context, roleIDs ...int64) {
	keys := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		keys[i] = roleKey(id)
	}
	c.invalidate(ctx, keys)
}

// InvalidateProjects drops the cached lists of the given projects.
func (c *ConditionCache) InvalidateProjects(ctx context.Context, projectIDs ...int64) {
	keys := make([]string, len(projectIDs))
	for i, id := range projectIDs {
		keys[i] = projectKey(id)
	}
	c.invalidate(ctx, keys)
}

func (c *ConditionCache) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	c.gen.Add(1)
	for _, key := range keys {
		c.local.Remove(key)
	}
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		c.logger.WithError(err).WithField("keys", keys).Warn("shared condition cache invalidation failed")
	}
}

// patternDeleter is implemented by shared tiers that can drop keys by glob.
type patternDeleter interface {
	InvalidatePatterns(ctx context.Context, patterns ...string) error
}

// Purge empties the local tier, and the shared tier too when it can delete
// by pattern.
func (c *ConditionCache) Purge(ctx context.Context) {
	c.gen.Add(1)
	c.local.Purge()

	pd, ok := c.shared.(patternDeleter)
	if !ok {
		return
	}
	if err := pd.InvalidatePatterns(context.WithoutCancel(ctx), "conditions:*"); err != nil {
		c.logger.WithError(err).Warn("shared condition cache purge failed")
	}
}

// Len returns the number of locally cached lists.
func (c *ConditionCache) Len() int {
	return c.local.Len()
}

func cloneConditions(in []BoundCondition) []BoundCondition {
	return append([]BoundCondition(nil), in...)
}
