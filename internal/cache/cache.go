// Package cache is a TTL-bound key/value cache persisted in the store.
// Expired entries are invisible to readers and removed lazily by Get or
// in bulk by EvictExpired.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

const DefaultTTL = 5 * time.Minute

// Cache reads and writes cache entries.
type Cache struct {
	store      *store.SQLiteStore
	events     *eventlog.Log
	logger     *slog.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// New creates a cache. A non-positive defaultTTL uses DefaultTTL.
func New(s *store.SQLiteStore, events *eventlog.Log, defaultTTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		store:      s,
		events:     events,
		logger:     logger.With("component", "cache"),
		defaultTTL: defaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Put upserts key. A zero ttl uses the cache default. Overwriting an
// entry resets its access counters. Only a rejected put is audited.
func (c *Cache) Put(ctx context.Context, key string, data json.RawMessage, ttl time.Duration, tags []string) (_ *types.CacheEntry, err error) {
	const op = "cache.put"
	defer func() {
		c.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: types.EntityGlobal,
			Action:     types.ActionSync,
			Metadata:   types.Data{types.MetaKind: op, "cache_key": key},
		}, err)
	}()

	if key == "" {
		return nil, apperr.Validation(op, "cache key is required")
	}
	if ttl < 0 {
		return nil, apperr.Validation(op, "ttl must not be negative")
	}
	if !json.Valid(data) {
		return nil, apperr.Validation(op, "cache data must be valid JSON")
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if tags == nil {
		tags = []string{}
	}

	now := c.now().Truncate(time.Millisecond)
	e := &types.CacheEntry{
		Key:          key,
		Data:         data,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		LastAccessed: now,
		Tags:         tags,
	}
	if err := c.store.UpsertCacheEntry(ctx, e); err != nil {
		return nil, store.Classify(op, err)
	}
	c.logger.Debug("cache entry stored", "action", "cache_put", "cache_key", key, "ttl_ms", ttl.Milliseconds())
	return e, nil
}

// Get returns the live entry for key and records the access. It reports
// false when the key is absent or expired; an expired entry is deleted.
func (c *Cache) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	const op = "cache.get"
	var (
		out   *types.CacheEntry
		found bool
	)
	err := c.store.InTx(ctx, func(q *store.Queries) error {
		now := c.now()
		e, err := q.GetCacheEntry(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Expired(now) {
			return q.DeleteCacheEntry(ctx, key)
		}
		if err := q.TouchCacheEntry(ctx, key, now); err != nil {
			return err
		}
		if out, err = q.GetCacheEntry(ctx, key); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, store.Classify(op, err)
	}
	return out, found, nil
}

// Peek returns the live entry for key without recording the access or
// deleting an expired entry.
func (c *Cache) Peek(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	e, err := c.store.GetCacheEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.Classify("cache.peek", err)
	}
	if e.Expired(c.now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return store.Classify("cache.delete", c.store.DeleteCacheEntry(ctx, key))
}

// EvictExpired removes every expired entry and returns how many were
// removed.
func (c *Cache) EvictExpired(ctx context.Context) (int64, error) {
	return c.evict(ctx, "cache.evict_expired", "cache_evicted_expired", nil, func(q *store.Queries) (int64, error) {
		return q.DeleteExpiredCache(ctx, c.now())
	})
}

// EvictByTags removes entries carrying any of tags.
func (c *Cache) EvictByTags(ctx context.Context, tags []string) (int64, error) {
	const op = "cache.evict_by_tags"
	if len(tags) == 0 {
		return 0, apperr.Validation(op, "at least one tag is required")
	}
	return c.evict(ctx, op, "cache_evicted_by_tags", types.Data{"tags": tags}, func(q *store.Queries) (int64, error) {
		return q.DeleteCacheByTags(ctx, tags)
	})
}

// Stats counts live and expired entries.
func (c *Cache) Stats(ctx context.Context) (store.CacheStats, error) {
	s, err := c.store.CacheStats(ctx, c.now())
	if err != nil {
		return store.CacheStats{}, store.Classify("cache.stats", err)
	}
	return s, nil
}

// evict runs del and, when it removed anything, appends one audit event
// in the same transaction.
func (c *Cache) evict(ctx context.Context, op, kind string, meta types.Data, del func(q *store.Queries) (int64, error)) (int64, error) {
	start := time.Now()
	var n int64
	err := c.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		if n, err = del(q); err != nil || n == 0 {
			return err
		}
		_, err = eventlog.AppendTx(ctx, q, types.SyncEvent{
			EntityType: types.EntityGlobal,
			Action:     types.ActionSync,
			Metadata:   types.Data{types.MetaKind: kind, "evicted": n}.Merge(meta),
		})
		return err
	})
	if err != nil {
		err = store.Classify(op, err)
		c.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: types.EntityGlobal,
			Action:     types.ActionSync,
			Metadata:   types.Data{types.MetaKind: op},
		}, err)
		return 0, err
	}
	if n > 0 {
		c.logger.Info("cache entries evicted",
			"action", kind,
			"evicted", n,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return n, nil
}
