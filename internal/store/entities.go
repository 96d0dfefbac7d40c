package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// collectionFor maps an entity type to its table. The switch is the only
// place a table name is derived from an entity type.
func collectionFor(t types.EntityType) (string, error) {
	switch t {
	case types.EntityUsers:
		return "users", nil
	case types.EntityTrainers:
		return "trainers", nil
	case types.EntityClients:
		return "clients", nil
	case types.EntityScheduleEvents:
		return "schedule_events", nil
	case types.EntityWorkouts:
		return "workouts", nil
	case types.EntityOrders:
		return "orders", nil
	case types.EntityMemberships:
		return "memberships", nil
	case types.EntityPayments:
		return "payments", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, t)
}

const entityColumns = "id, data, _version, _last_sync, _is_dirty, created_at, updated_at"

// EntityFilter narrows ListEntities. The zero value lists every record.
type EntityFilter struct {
	DirtyOnly    bool
	UnsyncedOnly bool
	UpdatedSince time.Time
	Limit        int
}

// EntityStats summarises one collection.
type EntityStats struct {
	Total    int
	Dirty    int
	LastSync *time.Time
}

func scanEntity(sc scanner, et types.EntityType) (*types.EntityRecord, error) {
	var (
		rec       types.EntityRecord
		data      sql.NullString
		lastSync  sql.NullInt64
		dirty     int
		createdAt int64
		updatedAt int64
	)
	if err := sc.Scan(&rec.ID, &data, &rec.Version, &lastSync, &dirty, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = types.Data{}
	}
	rec.EntityType = et
	rec.Data = d
	rec.LastSync = timePtr(lastSync)
	rec.IsDirty = dirty != 0
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// GetEntity returns one record, or ErrNotFound.
func (q *Queries) GetEntity(ctx context.Context, et types.EntityType, id string) (*types.EntityRecord, error) {
	table, err := collectionFor(et)
	if err != nil {
		return nil, err
	}
	row := q.q.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM "+table+" WHERE id = ?", id)
	rec, err := scanEntity(row, et)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", et, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", et, id, err)
	}
	return rec, nil
}

// InsertEntity creates a record at version 1. An empty id is generated.
// An existing id returns ErrDuplicate.
func (q *Queries) InsertEntity(ctx context.Context, et types.EntityType, id string, data types.Data) (*types.EntityRecord, error) {
	table, err := collectionFor(et)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = ulid.Make().String()
	}
	if data == nil {
		data = types.Data{}
	}
	encoded, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = q.q.ExecContext(ctx,
		"INSERT INTO "+table+" (id, data, _version, _last_sync, _is_dirty, created_at, updated_at) VALUES (?, ?, 1, NULL, 1, ?, ?)",
		id, encoded, toMillis(now), toMillis(now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%s %s: %w", et, id, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", et, err)
	}
	return &types.EntityRecord{
		ID:         id,
		EntityType: et,
		Data:       data,
		Version:    1,
		IsDirty:    true,
		CreatedAt:  fromMillis(toMillis(now)),
		UpdatedAt:  fromMillis(toMillis(now)),
	}, nil
}

// PatchEntity merges fields into the stored record provided its version
// still equals expectedVersion. A successful patch bumps _version by one,
// clears _isDirty and stamps _lastSync.
func (q *Queries) PatchEntity(ctx context.Context, et types.EntityType, id string, fields types.Data, expectedVersion int64) (*types.EntityRecord, error) {
	table, err := collectionFor(et)
	if err != nil {
		return nil, err
	}
	current, err := q.GetEntity(ctx, et, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return current, fmt.Errorf("%s %s: expected version %d, stored %d: %w",
			et, id, expectedVersion, current.Version, ErrVersionConflict)
	}

	merged := current.Data.Merge(fields)
	encoded, err := encodeData(merged)
	if err != nil {
		return nil, err
	}
	now := fromMillis(toMillis(time.Now().UTC()))
	res, err := q.q.ExecContext(ctx,
		"UPDATE "+table+" SET data = ?, _version = _version + 1, _is_dirty = 0, _last_sync = ?, updated_at = ? WHERE id = ? AND _version = ?",
		encoded, toMillis(now), toMillis(now), id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("patch %s %s: %w", et, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("patch %s %s: %w", et, id, err)
	}
	if n == 0 {
		return current, fmt.Errorf("%s %s: %w", et, id, ErrVersionConflict)
	}

	current.Data = merged
	current.Version = expectedVersion + 1
	current.IsDirty = false
	current.LastSync = &now
	current.UpdatedAt = now
	return current, nil
}

// MarkEntitySynced clears the dirty flag without bumping the version.
func (q *Queries) MarkEntitySynced(ctx context.Context, et types.EntityType, id string, at time.Time) error {
	table, err := collectionFor(et)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx,
		"UPDATE "+table+" SET _is_dirty = 0, _last_sync = ? WHERE id = ?", toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark %s %s synced: %w", et, id, err)
	}
	return requireRow(res, fmt.Sprintf("%s %s", et, id))
}

// DeleteEntity removes a record, or returns ErrNotFound.
func (q *Queries) DeleteEntity(ctx context.Context, et types.EntityType, id string) error {
	table, err := collectionFor(et)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", et, id, err)
	}
	return requireRow(res, fmt.Sprintf("%s %s", et, id))
}

// ListEntities returns records oldest-updated first. DirtyOnly uses the
// dirty index; with no predicate the collection is fully scanned.
func (q *Queries) ListEntities(ctx context.Context, et types.EntityType, f EntityFilter) ([]types.EntityRecord, error) {
	table, err := collectionFor(et)
	if err != nil {
		return nil, err
	}
	qb := NewQuery().
		EqIf(f.DirtyOnly, "_is_dirty", 1).
		Since("updated_at", f.UpdatedSince).
		OrderBy("updated_at ASC, id ASC").
		Limit(f.Limit)
	if f.UnsyncedOnly {
		qb.Where("(_is_dirty = 1 OR _last_sync IS NULL)")
	}
	stmt, args := qb.Build("SELECT " + entityColumns + " FROM " + table)

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", et, err)
	}
	defer rows.Close()

	var out []types.EntityRecord
	for rows.Next() {
		rec, err := scanEntity(rows, et)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", et, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// EntityStats counts records and dirty records in one collection.
func (q *Queries) EntityStats(ctx context.Context, et types.EntityType) (EntityStats, error) {
	table, err := collectionFor(et)
	if err != nil {
		return EntityStats{}, err
	}
	var (
		stats    EntityStats
		dirty    sql.NullInt64
		lastSync sql.NullInt64
	)
	err = q.q.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(_is_dirty), MAX(_last_sync) FROM "+table).Scan(&stats.Total, &dirty, &lastSync)
	if err != nil {
		return EntityStats{}, fmt.Errorf("stats %s: %w", et, err)
	}
	stats.Dirty = int(dirty.Int64)
	stats.LastSync = timePtr(lastSync)
	return stats, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
