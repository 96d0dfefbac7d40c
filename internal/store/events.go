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

const eventColumns = "id, entity_type, entity_id, action, actor_id, timestamp, old_data, new_data, " +
	"conflict_resolution, metadata, source, batch_id, retry_count, error_message"

// EventFilter selects sync events. Zero fields do not constrain.
type EventFilter struct {
	EntityType  types.EntityType
	EntityTypes []types.EntityType
	EntityID    string
	ActorID     string
	Actions     []types.Action
	BatchID     string
	Range       types.TimeRange
	FailedOnly  bool
	// Unretried excludes events already referenced by a retry's retry_of.
	Unretried bool
	// RetryBelow keeps events whose retry_count is strictly lower. Zero
	// disables the predicate.
	RetryBelow int
	// RetriedOnly keeps events recorded as retries (retry_count > 0).
	RetriedOnly bool
	Limit       int
}

func (f EventFilter) query() *Query {
	actions := make([]string, len(f.Actions))
	for i, a := range f.Actions {
		actions[i] = string(a)
	}
	q := NewQuery().
		Str("entity_type", string(f.EntityType)).
		In("entity_type", entityTypeStrings(f.EntityTypes)...).
		Str("entity_id", f.EntityID).
		Str("actor_id", f.ActorID).
		Str("batch_id", f.BatchID).
		In("action", actions...).
		Since("timestamp", f.Range.Start).
		Before("timestamp", f.Range.End)
	if f.FailedOnly {
		q.Where("error_message IS NOT NULL AND error_message != ''")
	}
	if f.Unretried {
		q.Where("NOT EXISTS (SELECT 1 FROM sync_events r WHERE json_extract(r.metadata, '$.retry_of') = sync_events.id)")
	}
	if f.RetryBelow > 0 {
		q.Where("retry_count < ?", f.RetryBelow)
	}
	if f.RetriedOnly {
		q.Where("retry_count > 0")
	}
	return q
}

func scanEvent(sc scanner) (*types.SyncEvent, error) {
	var (
		ev         types.SyncEvent
		ts         int64
		oldData    sql.NullString
		newData    sql.NullString
		resolution sql.NullString
		metadata   sql.NullString
		batchID    sql.NullString
		errMsg     sql.NullString
	)
	err := sc.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.Action, &ev.ActorID, &ts,
		&oldData, &newData, &resolution, &metadata, &ev.Source, &batchID, &ev.RetryCount, &errMsg)
	if err != nil {
		return nil, err
	}
	if ev.OldData, err = decodeData(oldData); err != nil {
		return nil, err
	}
	if ev.NewData, err = decodeData(newData); err != nil {
		return nil, err
	}
	if ev.Metadata, err = decodeData(metadata); err != nil {
		return nil, err
	}
	ev.Timestamp = fromMillis(ts)
	ev.ConflictResolution = types.EventResolution(resolution.String)
	ev.BatchID = batchID.String
	ev.ErrorMessage = errMsg.String
	return &ev, nil
}

// InsertEvent appends one event. The caller assigns ID and Timestamp.
func (q *Queries) InsertEvent(ctx context.Context, ev *types.SyncEvent) error {
	oldData, err := encodeData(ev.OldData)
	if err != nil {
		return err
	}
	newData, err := encodeData(ev.NewData)
	if err != nil {
		return err
	}
	meta := ev.Metadata
	if meta == nil {
		meta = types.Data{}
	}
	metadata, err := encodeData(meta)
	if err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sync_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EntityType, ev.EntityID, ev.Action, ev.ActorID, toMillis(ev.Timestamp),
		oldData, newData, nullString(string(ev.ConflictResolution)), metadata, ev.Source,
		nullString(ev.BatchID), ev.RetryCount, nullString(ev.ErrorMessage))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns one event, or ErrNotFound.
func (q *Queries) GetEvent(ctx context.Context, id string) (*types.SyncEvent, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM sync_events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// QueryEvents returns matching events newest first.
func (q *Queries) QueryEvents(ctx context.Context, f EventFilter) ([]types.SyncEvent, error) {
	stmt, args := f.query().
		OrderBy("timestamp DESC, id DESC").
		Limit(f.Limit).
		Build("SELECT " + eventColumns + " FROM sync_events")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.SyncEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// CountEvents counts matching events.
func (q *Queries) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	stmt, args := f.query().BuildCount("sync_events")
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// SetEventMetadata sets one metadata key on an existing event. It is the
// only permitted mutation of a written event.
func (q *Queries) SetEventMetadata(ctx context.Context, id, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metadata value: %w", err)
	}
	res, err := q.q.ExecContext(ctx,
		"UPDATE sync_events SET metadata = json_set(metadata, '$.' || ?, json(?)) WHERE id = ?",
		key, string(encoded), id)
	if err != nil {
		return fmt.Errorf("set event metadata: %w", err)
	}
	return requireRow(res, "event "+id)
}

// DeleteEventsBefore removes events strictly older than cutoff. With
// keepConflicts, conflict events without metadata.resolved survive.
func (q *Queries) DeleteEventsBefore(ctx context.Context, cutoff time.Time, keepConflicts bool) (int64, error) {
	qb := NewQuery().Where("timestamp < ?", toMillis(cutoff))
	if keepConflicts {
		qb.Where("NOT (action = ? AND json_extract(metadata, '$.resolved') IS NULL)", types.ActionConflict)
	}
	stmt, args := qb.BuildDelete("sync_events")
	res, err := q.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// TopErrors groups the failed events matching f by message, most frequent
// first.
func (q *Queries) TopErrors(ctx context.Context, f EventFilter, limit int) ([]ErrorCount, error) {
	f.FailedOnly = true
	stmt, args := f.query().
		Build("SELECT error_message, COUNT(*) AS n FROM sync_events")
	stmt += " GROUP BY error_message ORDER BY n DESC, error_message ASC"
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("top errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorCount
	for rows.Next() {
		var ec ErrorCount
		if err := rows.Scan(&ec.Message, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan error count: %w", err)
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// ErrorCount is one recurring error message and its frequency.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// EventBucket is the event tally of one time bucket.
type EventBucket struct {
	Start     time.Time `json:"start"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
}

// EventBuckets tallies the events matching f into fixed-width buckets,
// oldest first. Empty buckets are omitted.
func (q *Queries) EventBuckets(ctx context.Context, f EventFilter, width time.Duration) ([]EventBucket, error) {
	w := width.Milliseconds()
	if w <= 0 {
		return nil, fmt.Errorf("bucket width must be positive")
	}
	stmt, args := f.query().Build(fmt.Sprintf(
		"SELECT (timestamp / %d) * %d AS bucket, COUNT(*), "+
			"SUM(CASE WHEN error_message IS NOT NULL AND error_message != '' THEN 1 ELSE 0 END), "+
			"SUM(CASE WHEN action = 'conflict' THEN 1 ELSE 0 END) FROM sync_events", w, w))
	stmt += " GROUP BY bucket ORDER BY bucket ASC"

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("event buckets: %w", err)
	}
	defer rows.Close()

	var out []EventBucket
	for rows.Next() {
		var (
			b     EventBucket
			start int64
		)
		if err := rows.Scan(&start, &b.Total, &b.Failed, &b.Conflicts); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Start = fromMillis(start)
		out = append(out, b)
	}
	return out, rows.Err()
}

func entityTypeStrings(ets []types.EntityType) []string {
	out := make([]string, len(ets))
	for i, et := range ets {
		out[i] = string(et)
	}
	return out
}
