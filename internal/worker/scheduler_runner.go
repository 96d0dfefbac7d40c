package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// SchedulerRunner polls the scheduler for due tasks and executes them.
// Every task it claims gets exactly one result, and recurring tasks are
// re-enqueued after each terminal run.
type SchedulerRunner struct {
	scheduler *scheduler.Scheduler
	registry  *Registry
	configs   *syncconfig.Store
	interval  time.Duration
	batchSize int
}

// NewSchedulerRunner creates a runner that dequeues up to batchSize tasks
// every interval.
func NewSchedulerRunner(
	s *scheduler.Scheduler,
	registry *Registry,
	configs *syncconfig.Store,
	interval time.Duration,
	batchSize int,
) *SchedulerRunner {
	return &SchedulerRunner{
		scheduler: s,
		registry:  registry,
		configs:   configs,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the runner loop. Blocks until ctx is cancelled.
func (r *SchedulerRunner) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "scheduler-runner",
		"action", "worker_started",
		"interval", r.interval.String(),
		"batch_size", r.batchSize,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Drain anything already due on start
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "scheduler-runner",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce dequeues due tasks and processes them in order. It returns the
// number of tasks that reached a terminal status.
func (r *SchedulerRunner) RunOnce(ctx context.Context) int {
	tasks, err := r.scheduler.DequeueDue(ctx, r.batchSize)
	if err != nil {
		slog.Error("failed to dequeue due tasks",
			"component", "worker",
			"worker", "scheduler-runner",
			"action", "dequeue_failed",
			"error", err,
		)
		return 0
	}

	var completed, failed, skipped int
	for _, task := range tasks {
		if ctx.Err() != nil {
			break // Graceful shutdown
		}
		switch r.process(ctx, task) {
		case types.TaskCompleted:
			completed++
		case types.TaskFailed:
			failed++
		case types.TaskSkipped:
			skipped++
		}
	}

	total := completed + failed + skipped
	if total > 0 {
		slog.Info("scheduler cycle completed",
			"component", "worker",
			"worker", "scheduler-runner",
			"action", "cycle_complete",
			"dequeued", len(tasks),
			"completed", completed,
			"failed", failed,
			"skipped", skipped,
		)
	}
	return total
}

// process drives one task to a terminal status and returns that status,
// or "" when the task could not be claimed.
func (r *SchedulerRunner) process(ctx context.Context, task types.ScheduledTask) types.TaskStatus {
	if reason, skip := r.shouldSkip(ctx, task); skip {
		done, err := r.scheduler.Skip(ctx, task.ID, reason)
		if err != nil {
			r.logTaskError("skip_failed", task, err)
			return ""
		}
		r.reschedule(ctx, *done)
		return types.TaskSkipped
	}

	running, err := r.scheduler.MarkRunning(ctx, task.ID)
	if err != nil {
		// Cancelled or claimed between dequeue and now.
		r.logTaskError("claim_failed", task, err)
		return ""
	}

	start := time.Now()
	result, execErr := r.execute(ctx, *running)
	if result == nil {
		result = types.Data{}
	}
	result["duration_ms"] = time.Since(start).Milliseconds()

	status := types.TaskCompleted
	if execErr != nil {
		status = types.TaskFailed
		result["error"] = execErr.Error()
	}

	// The result is recorded even when shutdown interrupted the executor.
	rctx := context.WithoutCancel(ctx)
	done, err := r.scheduler.MarkResult(rctx, running.ID, status, result)
	if err != nil {
		r.logTaskError("result_failed", *running, err)
		return ""
	}

	logArgs := []any{
		"component", "worker",
		"worker", "scheduler-runner",
		"action", "task_" + string(status),
		"task_id", done.ID,
		"task_type", done.TaskType,
		"entity_type", done.EntityType,
		"duration_ms", result["duration_ms"],
	}
	if execErr != nil {
		slog.Warn("task failed", append(logArgs, "error", execErr)...)
	} else {
		slog.Info("task completed", logArgs...)
	}

	r.reschedule(rctx, *done)
	return status
}

// shouldSkip reports whether task targets an entity type whose sync is
// disabled.
func (r *SchedulerRunner) shouldSkip(ctx context.Context, task types.ScheduledTask) (string, bool) {
	if !task.EntityType.Stored() {
		return "", false
	}
	cfg, err := r.configs.Get(ctx, task.EntityType)
	if err != nil {
		// Let the executor surface the failure.
		return "", false
	}
	if !cfg.SyncEnabled {
		return fmt.Sprintf("sync disabled for %s", task.EntityType), true
	}
	return "", false
}

// execute runs the task's executor, turning a panic into a failure.
func (r *SchedulerRunner) execute(ctx context.Context, task types.ScheduledTask) (result types.Data, err error) {
	exec, ok := r.registry.Get(task.TaskType)
	if !ok {
		return nil, fmt.Errorf("no executor registered for %s", task.TaskType)
	}
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec.Execute(ctx, task)
}

func (r *SchedulerRunner) reschedule(ctx context.Context, task types.ScheduledTask) {
	next, ok, err := r.scheduler.Reschedule(ctx, task)
	if err != nil {
		r.logTaskError("reschedule_failed", task, err)
		return
	}
	if ok {
		slog.Debug("recurring task rescheduled",
			"component", "worker",
			"worker", "scheduler-runner",
			"action", "task_rescheduled",
			"task_id", task.ID,
			"next_task_id", next.ID,
			"scheduled_at", next.ScheduledAt.Format(time.RFC3339),
		)
	}
}

func (r *SchedulerRunner) logTaskError(action string, task types.ScheduledTask, err error) {
	slog.Error("scheduler task error",
		"component", "worker",
		"worker", "scheduler-runner",
		"action", action,
		"task_id", task.ID,
		"task_type", task.TaskType,
		"error", err,
	)
}
