// Package scheduler holds deferred and recurring sync work as a
// persistent priority queue. It is state only; the loop that executes
// tasks lives in the worker package.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultDequeueLimit = 10
	MaxDequeueLimit     = 100
	DefaultListLimit    = 50
)

// ListFilter selects tasks for List.
type ListFilter struct {
	Status     types.TaskStatus `json:"status,omitempty"`
	TaskType   types.TaskType   `json:"task_type,omitempty"`
	EntityType types.EntityType `json:"entity_type,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// Scheduler manages ScheduledTask state.
type Scheduler struct {
	store  *store.SQLiteStore
	events *eventlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler.
func New(s *store.SQLiteStore, events *eventlog.Log, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  s,
		events: events,
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates t and stores it as pending. ID, CreatedAt and a zero
// ScheduledAt are filled in; Priority defaults to normal.
func (s *Scheduler) Enqueue(ctx context.Context, t types.ScheduledTask) (*types.ScheduledTask, error) {
	const op = "scheduler.enqueue"
	now := s.now().Truncate(time.Millisecond)
	if t.Priority == "" {
		t.Priority = types.TaskPriorityNormal
	}
	if err := validateTask(t); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	t.ID = ulid.Make().String()
	t.Status = types.TaskPending
	t.CreatedAt = now
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	t.ScheduledAt = t.ScheduledAt.UTC().Truncate(time.Millisecond)
	t.ExecutedAt, t.CompletedAt, t.Result = nil, nil, nil

	err := s.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertTask(ctx, &t); err != nil {
			return err
		}
		return s.audit(ctx, q, &t, "task_enqueued", nil)
	})
	if err != nil {
		return nil, s.fail(ctx, op, &t, err)
	}

	s.logger.Info("task enqueued",
		"action", "task_enqueued",
		"task_id", t.ID,
		"task_type", t.TaskType,
		"entity_type", t.EntityType,
		"priority", t.Priority,
		"scheduled_at", t.ScheduledAt,
	)
	return &t, nil
}

// DequeueDue returns up to limit pending tasks due by now, highest
// priority first and FIFO by scheduledAt within a priority. It does not
// change task state; callers claim a task with MarkRunning.
func (s *Scheduler) DequeueDue(ctx context.Context, limit int) ([]types.ScheduledTask, error) {
	if limit <= 0 {
		limit = DefaultDequeueLimit
	}
	if limit > MaxDequeueLimit {
		limit = MaxDequeueLimit
	}
	out, err := s.store.QueryTasks(ctx, store.TaskFilter{
		Statuses: []types.TaskStatus{types.TaskPending},
		DueBy:    s.now(),
		Limit:    limit,
	})
	if err != nil {
		return nil, store.Classify("scheduler.dequeue_due", err)
	}
	if out == nil {
		out = []types.ScheduledTask{}
	}
	return out, nil
}

// MarkRunning claims a pending task. A task that is no longer pending
// was claimed or cancelled elsewhere and yields a validation error.
func (s *Scheduler) MarkRunning(ctx context.Context, taskID string) (*types.ScheduledTask, error) {
	return s.transition(ctx, "scheduler.mark_running", taskID,
		[]types.TaskStatus{types.TaskPending}, types.TaskRunning, nil, "task_running")
}

// MarkResult records the outcome of a running task. status must be
// completed, failed or skipped.
func (s *Scheduler) MarkResult(ctx context.Context, taskID string, status types.TaskStatus, result types.Data) (*types.ScheduledTask, error) {
	const op = "scheduler.mark_result"
	switch status {
	case types.TaskCompleted, types.TaskFailed, types.TaskSkipped:
	default:
		return nil, apperr.Validation(op, "result status must be completed, failed or skipped, got %q", status)
	}
	if result == nil {
		result = types.Data{}
	}
	return s.transition(ctx, op, taskID,
		[]types.TaskStatus{types.TaskRunning}, status, result, "task_"+string(status))
}

// Cancel moves a pending task to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*types.ScheduledTask, error) {
	return s.transition(ctx, "scheduler.cancel", taskID,
		[]types.TaskStatus{types.TaskPending}, types.TaskCancelled, nil, "task_cancelled")
}

// Skip marks a pending task skipped without running it.
func (s *Scheduler) Skip(ctx context.Context, taskID, reason string) (*types.ScheduledTask, error) {
	return s.transition(ctx, "scheduler.skip", taskID,
		[]types.TaskStatus{types.TaskPending}, types.TaskSkipped, types.Data{"reason": reason}, "task_skipped")
}

// Get returns one task.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*types.ScheduledTask, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, store.Classify("scheduler.get", err)
	}
	return t, nil
}

// List returns matching tasks in run order.
func (s *Scheduler) List(ctx context.Context, f ListFilter) ([]types.ScheduledTask, error) {
	sf := store.TaskFilter{TaskType: f.TaskType, EntityType: f.EntityType, Limit: f.Limit}
	if sf.Limit <= 0 {
		sf.Limit = DefaultListLimit
	}
	if f.Status != "" {
		sf.Statuses = []types.TaskStatus{f.Status}
	}
	out, err := s.store.QueryTasks(ctx, sf)
	if err != nil {
		return nil, store.Classify("scheduler.list", err)
	}
	if out == nil {
		out = []types.ScheduledTask{}
	}
	return out, nil
}

// Reschedule enqueues the next occurrence of a recurring task that has
// reached a terminal state. It reports false when the task does not
// recur or its end date has passed.
func (s *Scheduler) Reschedule(ctx context.Context, t types.ScheduledTask) (*types.ScheduledTask, bool, error) {
	next, ok := NextRun(t, s.now())
	if !ok {
		return nil, false, nil
	}
	out, err := s.Enqueue(ctx, types.ScheduledTask{
		TaskType:    t.TaskType,
		EntityType:  t.EntityType,
		ScheduledAt: next,
		Priority:    t.Priority,
		Recurring:   t.Recurring,
		Parameters:  t.Parameters.Merge(types.Data{"previous_task_id": t.ID}),
	})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *Scheduler) transition(ctx context.Context, op, taskID string, from []types.TaskStatus, to types.TaskStatus, result types.Data, kind string) (*types.ScheduledTask, error) {
	var t *types.ScheduledTask
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.TransitionTask(ctx, taskID, from, to, s.now(), result); err != nil {
			return err
		}
		var err error
		if t, err = q.GetTask(ctx, taskID); err != nil {
			return err
		}
		return s.audit(ctx, q, t, kind, result)
	})
	if err != nil {
		return nil, s.fail(ctx, op, &types.ScheduledTask{ID: taskID}, err)
	}

	s.logger.Info("task transitioned",
		"action", kind,
		"task_id", t.ID,
		"task_type", t.TaskType,
		"status", t.Status,
	)
	return t, nil
}

func (s *Scheduler) audit(ctx context.Context, q *store.Queries, t *types.ScheduledTask, kind string, result types.Data) error {
	ev := types.SyncEvent{
		EntityType: entityTypeOf(t),
		Action:     types.ActionSync,
		Metadata: types.Data{
			types.MetaKind: kind,
			"task_id":      t.ID,
			"task_type":    string(t.TaskType),
			"status":       string(t.Status),
			"priority":     string(t.Priority),
		},
	}
	if t.Status == types.TaskFailed {
		ev.ErrorMessage = "task failed"
		if msg, ok := result["error"].(string); ok && msg != "" {
			ev.ErrorMessage = msg
		}
	}
	_, err := eventlog.AppendTx(ctx, q, ev)
	return err
}

func (s *Scheduler) fail(ctx context.Context, op string, t *types.ScheduledTask, err error) error {
	err = store.Classify(op, err)
	s.events.RecordFailure(ctx, types.SyncEvent{
		EntityType: entityTypeOf(t),
		Action:     types.ActionSync,
		Metadata:   types.Data{types.MetaKind: op, "task_id": t.ID},
	}, err)
	return err
}

func entityTypeOf(t *types.ScheduledTask) types.EntityType {
	if t.EntityType == "" {
		return types.EntityGlobal
	}
	return t.EntityType
}
