package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/cache"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// fixture wires every component the worker drives over one in-memory store.
type fixture struct {
	store     *store.SQLiteStore
	events    *eventlog.Log
	configs   *syncconfig.Store
	batches   *batch.Orchestrator
	conflicts *conflict.Engine
	scheduler *scheduler.Scheduler
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	events := eventlog.New(s, nil)
	configs := syncconfig.New(s, nil)
	monitor := health.NewMonitor(s, configs, health.Thresholds{}, nil)
	f := &fixture{
		store:     s,
		events:    events,
		configs:   configs,
		batches:   batch.New(s, events, nil),
		conflicts: conflict.New(s, events, nil),
		scheduler: scheduler.New(s, events, nil),
	}
	f.deps = Deps{
		Store:         s,
		Events:        events,
		Configs:       configs,
		Batches:       f.batches,
		Conflicts:     f.conflicts,
		Cache:         cache.New(s, events, 0, nil),
		Metrics:       metrics.New(s, monitor, nil),
		Monitor:       monitor,
		RetentionDays: 30,
		KeepConflicts: true,
	}
	return f
}

func (f *fixture) enqueue(t *testing.T, task types.ScheduledTask) *types.ScheduledTask {
	t.Helper()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC().Add(-time.Second)
	}
	out, err := f.scheduler.Enqueue(context.Background(), task)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return out
}

func (f *fixture) task(t *testing.T, id string) *types.ScheduledTask {
	t.Helper()
	out, err := f.scheduler.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return out
}

func (f *fixture) insertClients(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("c-%d", i)
		if _, err := f.store.InsertEntity(context.Background(), types.EntityClients, ids[i], types.Data{"name": ids[i]}); err != nil {
			t.Fatalf("InsertEntity failed: %v", err)
		}
	}
	return ids
}

func (f *fixture) disableSync(t *testing.T, et types.EntityType) {
	t.Helper()
	cfg := syncconfig.Default(et)
	cfg.SyncEnabled = false
	if _, err := f.configs.Put(context.Background(), cfg); err != nil {
		t.Fatalf("Put config failed: %v", err)
	}
}

func (f *fixture) runner(r *Registry) *SchedulerRunner {
	return NewSchedulerRunner(f.scheduler, r, f.configs, time.Hour, 10)
}

// --- Registry ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	noop := ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) { return nil, nil })
	r.Register(types.TaskHealthCheck, noop)
	r.Register(types.TaskCleanup, noop)

	if _, ok := r.Get(types.TaskHealthCheck); !ok {
		t.Error("expected health_check executor")
	}
	if _, ok := r.Get(types.TaskFullSync); ok {
		t.Error("full_sync should not be registered")
	}
	got := r.RegisteredTypes()
	if len(got) != 2 || got[0] != types.TaskCleanup || got[1] != types.TaskHealthCheck {
		t.Errorf("RegisteredTypes() = %v", got)
	}
}

func TestRegistry_PanicsOnDuplicateOrUnknown(t *testing.T) {
	noop := ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) { return nil, nil })
	tests := []struct {
		name string
		fn   func(r *Registry)
	}{
		{"duplicate", func(r *Registry) {
			r.Register(types.TaskCleanup, noop)
			r.Register(types.TaskCleanup, noop)
		}},
		{"unknown type", func(r *Registry) { r.Register(types.TaskType("reindex"), noop) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(NewRegistry())
		})
	}
}

func TestRegisterBuiltins_CoversEveryTaskType(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry()
	RegisterBuiltins(r, f.deps)
	if got := len(r.RegisteredTypes()); got != 6 {
		t.Errorf("registered %d task types, want 6", got)
	}
}

// --- SchedulerRunner ---

func TestSchedulerRunner_CompletesTaskWithResult(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry()
	var seen types.ScheduledTask
	r.Register(types.TaskHealthCheck, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
		seen = task
		return types.Data{"status": "healthy"}, nil
	}))
	task := f.enqueue(t, types.ScheduledTask{TaskType: types.TaskHealthCheck})

	if n := f.runner(r).RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}

	if seen.Status != types.TaskRunning {
		t.Errorf("executor saw status %q, want running", seen.Status)
	}
	got := f.task(t, task.ID)
	if got.Status != types.TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Result["status"] != "healthy" {
		t.Errorf("result = %v", got.Result)
	}
	if _, ok := got.Result["duration_ms"]; !ok {
		t.Error("result should carry duration_ms")
	}
	if got.ExecutedAt == nil || got.CompletedAt == nil {
		t.Error("executed_at and completed_at should be set")
	}
}

func TestSchedulerRunner_FailuresStillGetOneResult(t *testing.T) {
	tests := []struct {
		name     string
		register func(r *Registry)
		wantErr  string
	}{
		{
			name: "executor error",
			register: func(r *Registry) {
				r.Register(types.TaskHealthCheck, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
					return nil, errors.New("store unavailable")
				}))
			},
			wantErr: "store unavailable",
		},
		{
			name: "executor panic",
			register: func(r *Registry) {
				r.Register(types.TaskHealthCheck, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
					panic("boom")
				}))
			},
			wantErr: "executor panicked: boom",
		},
		{
			name:     "no executor",
			register: func(r *Registry) {},
			wantErr:  "no executor registered for health_check",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := NewRegistry()
			tt.register(r)
			task := f.enqueue(t, types.ScheduledTask{TaskType: types.TaskHealthCheck})

			f.runner(r).RunOnce(context.Background())

			got := f.task(t, task.ID)
			if got.Status != types.TaskFailed {
				t.Fatalf("status = %q, want failed", got.Status)
			}
			if got.Result["error"] != tt.wantErr {
				t.Errorf("result error = %v, want %q", got.Result["error"], tt.wantErr)
			}
		})
	}
}

func TestSchedulerRunner_SkipsDisabledEntityType(t *testing.T) {
	f := newFixture(t)
	f.disableSync(t, types.EntityClients)
	called := false
	r := NewRegistry()
	r.Register(types.TaskFullSync, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
		called = true
		return nil, nil
	}))
	task := f.enqueue(t, types.ScheduledTask{TaskType: types.TaskFullSync, EntityType: types.EntityClients})

	f.runner(r).RunOnce(context.Background())

	if called {
		t.Error("executor must not run for a disabled entity type")
	}
	if got := f.task(t, task.ID); got.Status != types.TaskSkipped {
		t.Errorf("status = %q, want skipped", got.Status)
	}
}

func TestSchedulerRunner_ReschedulesRecurringTask(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry()
	r.Register(types.TaskHealthCheck, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
		return nil, nil
	}))
	task := f.enqueue(t, types.ScheduledTask{
		TaskType:  types.TaskHealthCheck,
		Recurring: &types.Recurrence{Pattern: types.RecurHourly},
	})

	f.runner(r).RunOnce(context.Background())

	pending, err := f.scheduler.List(context.Background(), scheduler.ListFilter{Status: types.TaskPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(pending))
	}
	next := pending[0]
	if next.Parameters["previous_task_id"] != task.ID {
		t.Errorf("previous_task_id = %v, want %s", next.Parameters["previous_task_id"], task.ID)
	}
	if !next.ScheduledAt.After(time.Now()) {
		t.Errorf("next run %v should be in the future", next.ScheduledAt)
	}
}

func TestSchedulerRunner_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ran := make(chan struct{}, 1)
	r := NewRegistry()
	r.Register(types.TaskHealthCheck, ExecutorFunc(func(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
		ran <- struct{}{}
		return nil, nil
	}))
	f.enqueue(t, types.ScheduledTask{TaskType: types.TaskHealthCheck})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSchedulerRunner(f.scheduler, r, f.configs, 10*time.Millisecond, 5).Run(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not executed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

// --- Built-in executors ---

func TestSyncExecutor_FullAndIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.insertClients(t, 3)
	if err := f.store.MarkEntitySynced(ctx, types.EntityClients, ids[0], time.Now()); err != nil {
		t.Fatalf("MarkEntitySynced failed: %v", err)
	}

	incremental := &SyncExecutor{store: f.store, configs: f.configs, batches: f.batches, incremental: true}
	res, err := incremental.Execute(ctx, types.ScheduledTask{ID: "t1", EntityType: types.EntityClients})
	if err != nil {
		t.Fatalf("incremental Execute failed: %v", err)
	}
	if res["total"] != 2 || res["successful"] != 2 {
		t.Errorf("incremental result = %v, want 2 dirty records", res)
	}

	b, err := f.batches.Get(ctx, res["batch_id"].(string))
	if err != nil {
		t.Fatalf("Get batch failed: %v", err)
	}
	if b.Status != types.BatchCompleted || b.Operation != types.BatchIncrementalSync || b.ProcessedRecords != 2 {
		t.Errorf("batch = %+v", b)
	}
	if b.InitiatedBy != "scheduler:t1" {
		t.Errorf("InitiatedBy = %q", b.InitiatedBy)
	}

	stats, err := f.store.EntityStats(ctx, types.EntityClients)
	if err != nil {
		t.Fatalf("EntityStats failed: %v", err)
	}
	if stats.Dirty != 0 {
		t.Errorf("dirty = %d after sync, want 0", stats.Dirty)
	}

	full := &SyncExecutor{store: f.store, configs: f.configs, batches: f.batches}
	res, err = full.Execute(ctx, types.ScheduledTask{ID: "t2", EntityType: types.EntityClients})
	if err != nil {
		t.Fatalf("full Execute failed: %v", err)
	}
	if res["total"] != 3 {
		t.Errorf("full sync total = %v, want 3", res["total"])
	}
}

func TestSyncExecutor_RequiresStoredEntityType(t *testing.T) {
	f := newFixture(t)
	e := &SyncExecutor{store: f.store, configs: f.configs, batches: f.batches}
	if _, err := e.Execute(context.Background(), types.ScheduledTask{EntityType: types.EntityGlobal}); err == nil {
		t.Error("expected error for global entity type")
	}
}

func TestCleanupExecutor_ParameterOverrides(t *testing.T) {
	f := newFixture(t)
	e := &CleanupExecutor{events: f.events, cache: f.deps.Cache, days: 30, keepConflicts: true}

	res, err := e.Execute(context.Background(), types.ScheduledTask{
		Parameters: types.Data{ParamOlderThanDays: float64(7), ParamKeepConflicts: false},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res["older_than_days"] != 7 || res["keep_conflicts"] != false {
		t.Errorf("result = %v", res)
	}

	if _, err := e.Execute(context.Background(), types.ScheduledTask{
		Parameters: types.Data{ParamOlderThanDays: "a week"},
	}); err == nil {
		t.Error("expected error for non-numeric older_than_days")
	}
}

func TestStrategyResolution(t *testing.T) {
	tests := []struct {
		strategy types.Strategy
		want     types.Resolution
		ok       bool
	}{
		{types.StrategyServerWins, types.ResolutionServerWins, true},
		{types.StrategyClientWins, types.ResolutionClientWins, true},
		{types.StrategyLastWriteWins, types.ResolutionClientWins, true},
		{types.StrategyManual, "", false},
	}
	for _, tt := range tests {
		got, ok := StrategyResolution(tt.strategy)
		if got != tt.want || ok != tt.ok {
			t.Errorf("StrategyResolution(%s) = %q, %v; want %q, %v", tt.strategy, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCloseBatch_LogsFailure(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	if b := closeBatch(context.Background(), f.batches, "missing", types.BatchFailed, nil); b != nil {
		t.Fatalf("closeBatch = %+v, want nil", b)
	}
	out := buf.String()
	if !strings.Contains(out, "failed to close batch") || !strings.Contains(out, `"batch_id":"missing"`) {
		t.Errorf("log output = %s", out)
	}
}

func TestConflictExecutor_ResolvesWithConfiguredStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.conflicts.Detect(ctx, conflict.DetectRequest{
			EntityType:   types.EntityClients,
			EntityID:     fmt.Sprintf("c-%d", i),
			ConflictType: types.ConflictVersionMismatch,
			ServerData:   types.Data{"name": "server"},
			ClientData:   types.Data{"name": "client"},
		}); err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
	}

	e := &ConflictExecutor{conflicts: f.conflicts, configs: f.configs, batches: f.batches}
	res, err := e.Execute(ctx, types.ScheduledTask{
		ID:         "t1",
		EntityType: types.EntityClients,
		Parameters: types.Data{ParamLimit: float64(2)},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res["resolved"] != 2 || res["resolution"] != string(types.ResolutionServerWins) {
		t.Errorf("result = %v", res)
	}

	b, err := f.batches.Get(ctx, res["batch_id"].(string))
	if err != nil {
		t.Fatalf("Get batch failed: %v", err)
	}
	if b.Operation != types.BatchConflictResolution || b.Status != types.BatchCompleted || b.SuccessfulRecords != 2 {
		t.Errorf("batch = %+v", b)
	}

	unresolved := false
	open, err := f.conflicts.List(ctx, conflict.ListFilter{Resolved: &unresolved})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open conflicts = %d, want 1", len(open))
	}
}

func TestConflictExecutor_ManualStrategyIsSkipped(t *testing.T) {
	f := newFixture(t)
	e := &ConflictExecutor{conflicts: f.conflicts, configs: f.configs, batches: f.batches}

	// payments default to manual resolution
	res, err := e.Execute(context.Background(), types.ScheduledTask{EntityType: types.EntityPayments})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res["skipped"] != true {
		t.Errorf("result = %v, want skipped", res)
	}
}

func TestMetricsExecutor_RecordsThreePointsPerType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.events.Append(ctx, types.SyncEvent{
		EntityType: types.EntityClients,
		EntityID:   "c-1",
		Action:     types.ActionUpdate,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	e := &MetricsExecutor{metrics: f.deps.Metrics, configs: f.configs}
	res, err := e.Execute(ctx, types.ScheduledTask{EntityType: types.EntityClients})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res["recorded"] != 3 {
		t.Errorf("recorded = %v, want 3", res["recorded"])
	}

	points, err := f.deps.Metrics.Query(ctx, metrics.Filter{EntityType: types.EntityClients})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("stored points = %d, want 3", len(points))
	}
}

func TestHealthCheckExecutor(t *testing.T) {
	f := newFixture(t)
	e := &HealthCheckExecutor{monitor: f.deps.Monitor}

	res, err := e.Execute(context.Background(), types.ScheduledTask{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// An empty system has no recent events.
	if res["status"] != string(health.LevelWarning) {
		t.Errorf("status = %v, want warning", res["status"])
	}
}
