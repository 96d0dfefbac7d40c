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

const taskColumns = "id, task_type, entity_type, scheduled_at, status, priority, recurring, parameters, " +
	"created_at, executed_at, completed_at, result"

// TaskFilter selects scheduled tasks.
type TaskFilter struct {
	Statuses   []types.TaskStatus
	TaskType   types.TaskType
	EntityType types.EntityType
	// DueBy keeps tasks scheduled at or before this instant.
	DueBy time.Time
	Limit int
}

func (f TaskFilter) query() *Query {
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	q := NewQuery().
		In("status", statuses...).
		Str("task_type", string(f.TaskType)).
		Str("entity_type", string(f.EntityType))
	if !f.DueBy.IsZero() {
		q.Where("scheduled_at <= ?", toMillis(f.DueBy))
	}
	return q
}

func scanTask(sc scanner) (*types.ScheduledTask, error) {
	var (
		t           types.ScheduledTask
		entityType  sql.NullString
		scheduledAt int64
		recurring   sql.NullString
		params      sql.NullString
		createdAt   int64
		executedAt  sql.NullInt64
		completedAt sql.NullInt64
		result      sql.NullString
	)
	err := sc.Scan(&t.ID, &t.TaskType, &entityType, &scheduledAt, &t.Status, &t.Priority,
		&recurring, &params, &createdAt, &executedAt, &completedAt, &result)
	if err != nil {
		return nil, err
	}
	if recurring.Valid && recurring.String != "" {
		var r types.Recurrence
		if err := json.Unmarshal([]byte(recurring.String), &r); err != nil {
			return nil, fmt.Errorf("decode recurrence: %w", err)
		}
		t.Recurring = &r
	}
	if t.Parameters, err = decodeData(params); err != nil {
		return nil, err
	}
	if t.Result, err = decodeData(result); err != nil {
		return nil, err
	}
	t.EntityType = types.EntityType(entityType.String)
	t.ScheduledAt = fromMillis(scheduledAt)
	t.CreatedAt = fromMillis(createdAt)
	t.ExecutedAt = timePtr(executedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// InsertTask stores a new task.
func (q *Queries) InsertTask(ctx context.Context, t *types.ScheduledTask) error {
	var recurring sql.NullString
	if t.Recurring != nil {
		b, err := json.Marshal(t.Recurring)
		if err != nil {
			return fmt.Errorf("encode recurrence: %w", err)
		}
		recurring = sql.NullString{String: string(b), Valid: true}
	}
	params, err := encodeData(t.Parameters)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, entity_type, scheduled_at, status, priority,
		    priority_rank, recurring, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskType, nullString(string(t.EntityType)), toMillis(t.ScheduledAt), t.Status,
		t.Priority, t.Priority.Rank(), recurring, params, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns one task, or ErrNotFound.
func (q *Queries) GetTask(ctx context.Context, id string) (*types.ScheduledTask, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// QueryTasks returns matching tasks in run order: highest priority first,
// then earliest scheduledAt, then insertion order.
func (q *Queries) QueryTasks(ctx context.Context, f TaskFilter) ([]types.ScheduledTask, error) {
	stmt, args := f.query().
		OrderBy("priority_rank DESC, scheduled_at ASC, id ASC").
		Limit(f.Limit).
		Build("SELECT " + taskColumns + " FROM scheduled_tasks")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountTasks counts matching tasks.
func (q *Queries) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	stmt, args := f.query().BuildCount("scheduled_tasks")
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// TransitionTask moves a task to status `to` if its stored status is one
// of from. Moving to running stamps executed_at; terminal statuses stamp
// completed_at. A nil result leaves the stored result untouched.
func (q *Queries) TransitionTask(ctx context.Context, id string, from []types.TaskStatus, to types.TaskStatus, at time.Time, result types.Data) error {
	encoded, err := encodeData(result)
	if err != nil {
		return err
	}
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	set := "status = ?"
	args := []any{to}
	if to == types.TaskRunning {
		set += ", executed_at = ?"
		args = append(args, toMillis(at))
	}
	if to.Terminal() {
		set += ", completed_at = ?"
		args = append(args, toMillis(at))
	}
	if encoded.Valid {
		set += ", result = ?"
		args = append(args, encoded)
	}
	where, whereArgs := NewQuery().Eq("id", id).In("status", fromStrs...).whereClause()
	args = append(args, whereArgs...)

	res, err := q.q.ExecContext(ctx, "UPDATE scheduled_tasks SET "+set+where, args...)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	if n == 0 {
		current, err := q.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s, cannot become %s: %w", id, current.Status, to, ErrInvalidTransition)
	}
	return nil
}
