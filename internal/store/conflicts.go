package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
)

const conflictColumns = "id, entity_type, entity_id, conflict_type, server_data, client_data, conflict_fields, " +
	"priority, is_resolved, resolution, resolved_data, resolved_by, resolved_at, event_id, created_at"

// ConflictFilter selects conflict records.
type ConflictFilter struct {
	EntityType   types.EntityType
	EntityTypes  []types.EntityType
	EntityID     string
	ConflictType types.ConflictType
	Priority     types.ConflictPriority
	Resolved     *bool
	Range        types.TimeRange
	Limit        int
}

func (f ConflictFilter) query() *Query {
	q := NewQuery().
		Str("entity_type", string(f.EntityType)).
		In("entity_type", entityTypeStrings(f.EntityTypes)...).
		Str("entity_id", f.EntityID).
		Str("conflict_type", string(f.ConflictType)).
		Str("priority", string(f.Priority)).
		Since("created_at", f.Range.Start).
		Before("created_at", f.Range.End)
	if f.Resolved != nil {
		q.Eq("is_resolved", boolInt(*f.Resolved))
	}
	return q
}

func scanConflict(sc scanner) (*types.ConflictRecord, error) {
	var (
		c            types.ConflictRecord
		serverData   sql.NullString
		clientData   sql.NullString
		fields       string
		resolved     int
		resolution   sql.NullString
		resolvedData sql.NullString
		resolvedBy   sql.NullString
		resolvedAt   sql.NullInt64
		eventID      sql.NullString
		createdAt    int64
	)
	err := sc.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.ConflictType, &serverData, &clientData, &fields,
		&c.Priority, &resolved, &resolution, &resolvedData, &resolvedBy, &resolvedAt, &eventID, &createdAt)
	if err != nil {
		return nil, err
	}
	if c.ServerData, err = decodeData(serverData); err != nil {
		return nil, err
	}
	if c.ClientData, err = decodeData(clientData); err != nil {
		return nil, err
	}
	if c.ResolvedData, err = decodeData(resolvedData); err != nil {
		return nil, err
	}
	if c.ConflictFields, err = decodeStrings(fields); err != nil {
		return nil, err
	}
	c.IsResolved = resolved != 0
	c.Resolution = types.Resolution(resolution.String)
	c.ResolvedBy = resolvedBy.String
	c.ResolvedAt = timePtr(resolvedAt)
	c.EventID = eventID.String
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// InsertConflict stores a new, unresolved conflict record.
func (q *Queries) InsertConflict(ctx context.Context, c *types.ConflictRecord) error {
	serverData, err := encodeData(c.ServerData)
	if err != nil {
		return err
	}
	clientData, err := encodeData(c.ClientData)
	if err != nil {
		return err
	}
	fields, err := encodeStrings(c.ConflictFields)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, NULL, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, c.ConflictType, serverData, clientData, fields,
		c.Priority, nullString(c.EventID), toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns one conflict record, or ErrNotFound.
func (q *Queries) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM sync_conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

// QueryConflicts returns matching conflicts newest first.
func (q *Queries) QueryConflicts(ctx context.Context, f ConflictFilter) ([]types.ConflictRecord, error) {
	stmt, args := f.query().
		OrderBy("created_at DESC, id DESC").
		Limit(f.Limit).
		Build("SELECT " + conflictColumns + " FROM sync_conflicts")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []types.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountConflicts counts matching conflicts.
func (q *Queries) CountConflicts(ctx context.Context, f ConflictFilter) (int, error) {
	stmt, args := f.query().BuildCount("sync_conflicts")
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

// ConflictTypeCount is the number of conflicts of one type.
type ConflictTypeCount struct {
	ConflictType types.ConflictType `json:"conflict_type"`
	Total        int                `json:"total"`
	Resolved     int                `json:"resolved"`
}

// ConflictsByType groups matching conflicts by type.
func (q *Queries) ConflictsByType(ctx context.Context, f ConflictFilter) ([]ConflictTypeCount, error) {
	stmt, args := f.query().Build("SELECT conflict_type, COUNT(*), SUM(is_resolved) FROM sync_conflicts")
	stmt += " GROUP BY conflict_type ORDER BY COUNT(*) DESC, conflict_type ASC"

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("conflicts by type: %w", err)
	}
	defer rows.Close()

	var out []ConflictTypeCount
	for rows.Next() {
		var c ConflictTypeCount
		if err := rows.Scan(&c.ConflictType, &c.Total, &c.Resolved); err != nil {
			return nil, fmt.Errorf("scan conflict count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConflictResolved transitions a conflict to resolved. It fails with
// ErrAlreadyResolved if another caller resolved it first.
func (q *Queries) MarkConflictResolved(ctx context.Context, id string, resolution types.Resolution, resolvedData types.Data, resolvedBy string, at time.Time) error {
	data, err := encodeData(resolvedData)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET is_resolved = 1, resolution = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND is_resolved = 0`,
		resolution, data, nullString(resolvedBy), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	if n == 0 {
		if _, err := q.GetConflict(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}
