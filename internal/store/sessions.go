package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
)

const sessionColumns = "id, user_id, user_type, device_info, started_at, last_activity, is_active, ended_at, " +
	"is_connected, last_sync, pending_operations, error_count"

// SessionFilter selects sessions.
type SessionFilter struct {
	UserID   string
	UserType types.UserType
	Active   *bool
	// IdleBefore keeps sessions whose last activity precedes this instant.
	IdleBefore time.Time
	Limit      int
}

func (f SessionFilter) query() *Query {
	q := NewQuery().
		Str("user_id", f.UserID).
		Str("user_type", string(f.UserType)).
		Before("last_activity", f.IdleBefore)
	if f.Active != nil {
		q.Eq("is_active", boolInt(*f.Active))
	}
	return q
}

func scanSession(sc scanner) (*types.ActiveSession, error) {
	var (
		s            types.ActiveSession
		device       sql.NullString
		startedAt    int64
		lastActivity int64
		active       int
		endedAt      sql.NullInt64
		connected    int
		lastSync     sql.NullInt64
	)
	err := sc.Scan(&s.ID, &s.UserID, &s.UserType, &device, &startedAt, &lastActivity, &active, &endedAt,
		&connected, &lastSync, &s.SyncStatus.PendingOperations, &s.SyncStatus.ErrorCount)
	if err != nil {
		return nil, err
	}
	s.DeviceInfo = device.String
	s.StartedAt = fromMillis(startedAt)
	s.LastActivity = fromMillis(lastActivity)
	s.IsActive = active != 0
	s.EndedAt = timePtr(endedAt)
	s.SyncStatus.IsConnected = connected != 0
	s.SyncStatus.LastSync = timePtr(lastSync)
	return &s, nil
}

// UpsertSession stores a session. Re-opening an existing id reactivates it.
func (q *Queries) UpsertSession(ctx context.Context, s *types.ActiveSession) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO active_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, NULL, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    user_id = excluded.user_id,
		    user_type = excluded.user_type,
		    device_info = excluded.device_info,
		    last_activity = excluded.last_activity,
		    is_active = 1,
		    ended_at = NULL,
		    is_connected = excluded.is_connected`,
		s.ID, s.UserID, s.UserType, nullString(s.DeviceInfo), toMillis(s.StartedAt), toMillis(s.LastActivity),
		boolInt(s.SyncStatus.IsConnected), nullMillis(s.SyncStatus.LastSync),
		s.SyncStatus.PendingOperations, s.SyncStatus.ErrorCount)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns one session, or ErrNotFound.
func (q *Queries) GetSession(ctx context.Context, id string) (*types.ActiveSession, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM active_sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// QuerySessions returns matching sessions, most recently active first.
func (q *Queries) QuerySessions(ctx context.Context, f SessionFilter) ([]types.ActiveSession, error) {
	stmt, args := f.query().
		OrderBy("last_activity DESC, id ASC").
		Limit(f.Limit).
		Build("SELECT " + sessionColumns + " FROM active_sessions")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []types.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountSessions counts matching sessions.
func (q *Queries) CountSessions(ctx context.Context, f SessionFilter) (int, error) {
	stmt, args := f.query().BuildCount("active_sessions")
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// TouchSession records activity and the session's sync counters. Only
// active sessions can be touched.
func (q *Queries) TouchSession(ctx context.Context, id string, status types.SessionSyncStatus, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE active_sessions
		SET last_activity = ?, is_connected = ?, last_sync = COALESCE(?, last_sync),
		    pending_operations = ?, error_count = ?
		WHERE id = ? AND is_active = 1`,
		toMillis(at), boolInt(status.IsConnected), nullMillis(status.LastSync),
		status.PendingOperations, status.ErrorCount, id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return q.sessionRowOrState(ctx, res, id)
}

// DeactivateSession marks an active session inactive and stamps ended_at.
func (q *Queries) DeactivateSession(ctx context.Context, id string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE active_sessions SET is_active = 0, is_connected = 0, ended_at = ?
		WHERE id = ? AND is_active = 1`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("deactivate session %s: %w", id, err)
	}
	return q.sessionRowOrState(ctx, res, id)
}

func (q *Queries) sessionRowOrState(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.GetSession(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s is closed: %w", id, ErrInvalidTransition)
}
