package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
)

const cacheColumns = "cache_key, data, expires_at, created_at, access_count, last_accessed, tags"

func scanCacheEntry(sc scanner) (*types.CacheEntry, error) {
	var (
		e            types.CacheEntry
		data         string
		expiresAt    int64
		createdAt    int64
		lastAccessed int64
		tags         string
	)
	if err := sc.Scan(&e.Key, &data, &expiresAt, &createdAt, &e.AccessCount, &lastAccessed, &tags); err != nil {
		return nil, err
	}
	var err error
	if e.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	e.ExpiresAt = fromMillis(expiresAt)
	e.CreatedAt = fromMillis(createdAt)
	e.LastAccessed = fromMillis(lastAccessed)
	return &e, nil
}

// UpsertCacheEntry writes an entry by key, resetting its access counters.
func (q *Queries) UpsertCacheEntry(ctx context.Context, e *types.CacheEntry) error {
	tags, err := encodeStrings(e.Tags)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
		    data = excluded.data,
		    expires_at = excluded.expires_at,
		    created_at = excluded.created_at,
		    access_count = 0,
		    last_accessed = excluded.last_accessed,
		    tags = excluded.tags`,
		e.Key, string(e.Data), toMillis(e.ExpiresAt), toMillis(e.CreatedAt), toMillis(e.CreatedAt), tags)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry returns an entry regardless of expiry, or ErrNotFound.
func (q *Queries) GetCacheEntry(ctx context.Context, key string) (*types.CacheEntry, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+cacheColumns+" FROM cache_entries WHERE cache_key = ?", key)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	return e, nil
}

// TouchCacheEntry increments access_count and stamps last_accessed.
func (q *Queries) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE cache_key = ?",
		toMillis(at), key)
	if err != nil {
		return fmt.Errorf("touch cache entry %s: %w", key, err)
	}
	return requireRow(res, "cache entry "+key)
}

// DeleteCacheEntry removes one entry. Missing keys are not an error.
func (q *Queries) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeleteExpiredCache removes entries whose expiry precedes now.
func (q *Queries) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at < ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: %w", err)
	}
	return res.RowsAffected()
}

// DeleteCacheByTags removes entries carrying any of tags.
func (q *Queries) DeleteCacheByTags(ctx context.Context, tags []string) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	args := make([]any, len(tags))
	for i, t := range tags {
		args[i] = t
	}
	res, err := q.q.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE EXISTS (SELECT 1 FROM json_each(cache_entries.tags) WHERE json_each.value IN ("+
			placeholders(len(tags))+"))", args...)
	if err != nil {
		return 0, fmt.Errorf("delete cache by tags: %w", err)
	}
	return res.RowsAffected()
}

// CacheStats summarises the cache table at now.
type CacheStats struct {
	Entries int `json:"entries"`
	Expired int `json:"expired"`
}

// CacheStats counts live and expired entries.
func (q *Queries) CacheStats(ctx context.Context, now time.Time) (CacheStats, error) {
	var (
		s       CacheStats
		expired sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END) FROM cache_entries",
		toMillis(now)).Scan(&s.Entries, &expired)
	if err != nil {
		return CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	s.Expired = int(expired.Int64)
	return s, nil
}
