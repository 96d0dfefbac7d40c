package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/fitsync/internal/types"
)

// GetSyncConfig returns the stored configuration for et, or ErrNotFound.
func (q *Queries) GetSyncConfig(ctx context.Context, et types.EntityType) (*types.SyncConfiguration, error) {
	var (
		raw       string
		updatedAt int64
	)
	err := q.q.QueryRowContext(ctx,
		"SELECT config, updated_at FROM sync_configurations WHERE entity_type = ?", et).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync configuration %s: %w", et, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync configuration %s: %w", et, err)
	}
	var cfg types.SyncConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode sync configuration %s: %w", et, err)
	}
	cfg.EntityType = et
	cfg.UpdatedAt = fromMillis(updatedAt)
	return &cfg, nil
}

// PutSyncConfig replaces the stored configuration for cfg.EntityType.
func (q *Queries) PutSyncConfig(ctx context.Context, cfg *types.SyncConfiguration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode sync configuration: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sync_configurations (entity_type, config, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		cfg.EntityType, string(raw), toMillis(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put sync configuration %s: %w", cfg.EntityType, err)
	}
	return nil
}
