package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/cache"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// Task parameter keys read by the built-in executors.
const (
	ParamOlderThanDays = "older_than_days"
	ParamKeepConflicts = "keep_conflicts"
	ParamLimit         = "limit"
)

// DefaultConflictSweep bounds one conflict_resolution run.
const DefaultConflictSweep = 20

// Deps are the components the built-in executors drive.
type Deps struct {
	Store         *store.SQLiteStore
	Events        *eventlog.Log
	Configs       *syncconfig.Store
	Batches       *batch.Orchestrator
	Conflicts     *conflict.Engine
	Cache         *cache.Cache
	Metrics       *metrics.Service
	Monitor       *health.Monitor
	RetentionDays int
	KeepConflicts bool
}

// RegisterBuiltins registers an executor for every task type.
func RegisterBuiltins(r *Registry, d Deps) {
	r.Register(types.TaskFullSync, &SyncExecutor{store: d.Store, configs: d.Configs, batches: d.Batches})
	r.Register(types.TaskIncrementalSync, &SyncExecutor{store: d.Store, configs: d.Configs, batches: d.Batches, incremental: true})
	r.Register(types.TaskCleanup, &CleanupExecutor{events: d.Events, cache: d.Cache, days: d.RetentionDays, keepConflicts: d.KeepConflicts})
	r.Register(types.TaskMetricsCollection, &MetricsExecutor{metrics: d.Metrics, configs: d.Configs})
	r.Register(types.TaskConflictResolution, &ConflictExecutor{conflicts: d.Conflicts, configs: d.Configs, batches: d.Batches})
	r.Register(types.TaskHealthCheck, &HealthCheckExecutor{monitor: d.Monitor})
}

func initiator(task types.ScheduledTask) string {
	return "scheduler:" + task.ID
}

// SyncExecutor marks an entity type's records synced inside a batch.
// A full sync covers every record, an incremental sync only dirty ones.
// Each run handles at most the configured batch size.
type SyncExecutor struct {
	store       *store.SQLiteStore
	configs     *syncconfig.Store
	batches     *batch.Orchestrator
	incremental bool
}

// Execute runs one sync pass over task.EntityType.
func (e *SyncExecutor) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	const op = "worker.sync"
	if !task.EntityType.Stored() {
		return nil, apperr.Validation(op, "sync tasks need a stored entity type, got %q", task.EntityType)
	}
	cfg, err := e.configs.Get(ctx, task.EntityType)
	if err != nil {
		return nil, err
	}
	if !cfg.SyncEnabled {
		return nil, apperr.Policy(op, "sync disabled for %s", task.EntityType)
	}

	records, err := e.store.ListEntities(ctx, task.EntityType, store.EntityFilter{
		DirtyOnly: e.incremental,
		Limit:     cfg.BatchSize,
	})
	if err != nil {
		return nil, store.Classify(op, err)
	}

	operation := types.BatchFullSync
	if e.incremental {
		operation = types.BatchIncrementalSync
	}
	b, err := e.batches.Open(ctx, batch.OpenRequest{
		EntityType:   task.EntityType,
		Operation:    operation,
		TotalRecords: len(records),
		InitiatedBy:  initiator(task),
	})
	if err != nil {
		return nil, err
	}

	var succeeded, failed int
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		p := batch.Progress{Processed: 1}
		if err := e.store.MarkEntitySynced(ctx, task.EntityType, rec.ID, time.Now().UTC()); err != nil {
			p.Failed = 1
			p.Errors = []string{fmt.Sprintf("%s: %v", rec.ID, err)}
			failed++
		} else {
			p.Successful = 1
			succeeded++
		}
		if _, err := e.batches.Progress(ctx, b.ID, p); err != nil {
			closeBatch(ctx, e.batches, b.ID, types.BatchFailed, []string{apperr.PublicMessage(err)})
			return nil, err
		}
	}

	status := types.BatchCompleted
	switch {
	case ctx.Err() != nil:
		status = types.BatchCancelled
	case failed > 0 && succeeded == 0:
		status = types.BatchFailed
	}
	closed := closeBatch(ctx, e.batches, b.ID, status, nil)

	result := types.Data{
		"batch_id":     b.ID,
		"batch_status": string(status),
		"total":        len(records),
		"successful":   succeeded,
		"failed":       failed,
	}
	if closed != nil {
		result["conflicted"] = closed.ConflictedRecords
	}
	if status == types.BatchFailed {
		return result, fmt.Errorf("all %d records failed to sync", failed)
	}
	if status == types.BatchCancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// closeBatch finishes a batch even after ctx is cancelled. A failure is
// logged and reported as nil.
func closeBatch(ctx context.Context, batches *batch.Orchestrator, batchID string, status types.BatchStatus, errs []string) *types.SyncBatch {
	b, err := batches.Close(context.WithoutCancel(ctx), batchID, status, errs)
	if err != nil {
		slog.Error("failed to close batch",
			"component", "worker",
			"batch_id", batchID,
			"status", status,
			"error", err,
		)
		return nil
	}
	return b
}

// CleanupExecutor applies event retention and evicts expired cache entries.
type CleanupExecutor struct {
	events        *eventlog.Log
	cache         *cache.Cache
	days          int
	keepConflicts bool
}

// Execute runs one cleanup. Task parameters older_than_days and
// keep_conflicts override the configured retention.
func (e *CleanupExecutor) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	days := e.days
	if v, ok := task.Parameters[ParamOlderThanDays]; ok {
		f, ok := syncconfig.ToFloat(v)
		if !ok {
			return nil, apperr.Validation("worker.cleanup", "%s must be a number", ParamOlderThanDays)
		}
		days = int(f)
	}
	keep := e.keepConflicts
	if v, ok := task.Parameters[ParamKeepConflicts].(bool); ok {
		keep = v
	}

	deleted, err := e.events.Cleanup(ctx, days, keep)
	if err != nil {
		return nil, err
	}
	evicted, err := e.cache.EvictExpired(ctx)
	if err != nil {
		return types.Data{"events_deleted": deleted}, err
	}
	return types.Data{
		"events_deleted":  deleted,
		"cache_evicted":   evicted,
		"older_than_days": days,
		"keep_conflicts":  keep,
	}, nil
}

// MetricsExecutor records error rate, conflict rate and throughput for the
// last hour. A task without an entity type covers every stored type with
// metrics enabled.
type MetricsExecutor struct {
	metrics *metrics.Service
	configs *syncconfig.Store
}

// Execute records one round of metric points.
func (e *MetricsExecutor) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	targets := []types.EntityType{task.EntityType}
	if task.EntityType == "" || task.EntityType == types.EntityGlobal {
		targets = targets[:0]
		for _, et := range types.StoredEntityTypes() {
			cfg, err := e.configs.Get(ctx, et)
			if err != nil {
				return nil, err
			}
			if cfg.EnableMetrics {
				targets = append(targets, et)
			}
		}
	}

	since := time.Now().UTC().Add(-time.Hour)
	recorded := 0
	covered := make([]string, 0, len(targets))
	for _, et := range targets {
		perf, err := e.metrics.PerformanceStats(ctx, types.TimeRange{Start: since}, et)
		if err != nil {
			return types.Data{"recorded": recorded}, err
		}
		points := []struct {
			mt    types.MetricType
			value float64
		}{
			{types.MetricErrorRate, perf.ErrorRate},
			{types.MetricConflictRate, perf.ConflictRate},
			{types.MetricThroughput, perf.EventsPerHour},
		}
		for _, p := range points {
			if _, err := e.metrics.Record(ctx, et, p.mt, p.value, types.WindowHour); err != nil {
				return types.Data{"recorded": recorded}, err
			}
			recorded++
		}
		covered = append(covered, string(et))
	}
	return types.Data{"recorded": recorded, "entity_types": covered}, nil
}

// ConflictExecutor resolves unresolved conflicts of one entity type with
// its configured strategy. Types configured for manual resolution are
// left alone.
type ConflictExecutor struct {
	conflicts *conflict.Engine
	configs   *syncconfig.Store
	batches   *batch.Orchestrator
}

// StrategyResolution maps a configured strategy to the resolution applied
// to open conflicts. A conflict's client data is the later write, so
// last_write_wins resolves to the client.
func StrategyResolution(s types.Strategy) (types.Resolution, bool) {
	switch s {
	case types.StrategyServerWins:
		return types.ResolutionServerWins, true
	case types.StrategyClientWins, types.StrategyLastWriteWins:
		return types.ResolutionClientWins, true
	}
	return "", false
}

// Execute resolves up to the task's limit parameter (default
// DefaultConflictSweep) conflicts inside a conflict_resolution batch.
func (e *ConflictExecutor) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	const op = "worker.conflict_resolution"
	if !task.EntityType.Stored() {
		return nil, apperr.Validation(op, "conflict resolution tasks need a stored entity type, got %q", task.EntityType)
	}
	cfg, err := e.configs.Get(ctx, task.EntityType)
	if err != nil {
		return nil, err
	}
	resolution, ok := StrategyResolution(cfg.ConflictResolutionStrategy)
	if !ok {
		return types.Data{"skipped": true, "strategy": string(cfg.ConflictResolutionStrategy)}, nil
	}

	limit := DefaultConflictSweep
	if f, ok := syncconfig.ToFloat(task.Parameters[ParamLimit]); ok && f > 0 {
		limit = int(f)
	}
	if limit > conflict.MaxBulkResolve {
		limit = conflict.MaxBulkResolve
	}
	unresolved := false
	open, err := e.conflicts.List(ctx, conflict.ListFilter{
		EntityType: task.EntityType,
		Resolved:   &unresolved,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return types.Data{"resolved": 0, "failed": 0, "resolution": string(resolution)}, nil
	}

	ids := make([]string, len(open))
	for i, c := range open {
		ids[i] = c.ID
	}
	b, err := e.batches.Open(ctx, batch.OpenRequest{
		EntityType:   task.EntityType,
		Operation:    types.BatchConflictResolution,
		TotalRecords: len(ids),
		InitiatedBy:  initiator(task),
	})
	if err != nil {
		return nil, err
	}

	res, err := e.conflicts.BulkResolve(ctx, ids, resolution, initiator(task))
	if err != nil {
		closeBatch(ctx, e.batches, b.ID, types.BatchFailed, []string{apperr.PublicMessage(err)})
		return nil, err
	}
	var errs []string
	for _, item := range res.Results {
		if !item.Success {
			errs = append(errs, item.ConflictID+": "+item.Error)
		}
	}
	if _, err := e.batches.Progress(ctx, b.ID, batch.Progress{
		Processed:  res.TotalProcessed,
		Successful: res.Succeeded,
		Failed:     res.Failed,
		Errors:     errs,
	}); err != nil {
		closeBatch(ctx, e.batches, b.ID, types.BatchFailed, []string{apperr.PublicMessage(err)})
		return nil, err
	}
	status := types.BatchCompleted
	if res.Succeeded == 0 {
		status = types.BatchFailed
	}
	if _, err := e.batches.Close(context.WithoutCancel(ctx), b.ID, status, nil); err != nil {
		return nil, err
	}
	return types.Data{
		"batch_id":   b.ID,
		"resolution": string(resolution),
		"resolved":   res.Succeeded,
		"failed":     res.Failed,
	}, nil
}

// HealthCheckExecutor runs a health check and returns its summary.
type HealthCheckExecutor struct {
	monitor *health.Monitor
}

// Execute runs one health check.
func (e *HealthCheckExecutor) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	r, err := e.monitor.Check(ctx)
	if err != nil {
		return nil, err
	}
	signals := types.Data{}
	for _, s := range r.Signals {
		signals[s.Name] = string(s.Status)
	}
	return types.Data{
		"status":               string(r.Status),
		"error_rate":           r.ErrorRate,
		"unresolved_conflicts": r.UnresolvedConflicts,
		"stuck_batches":        r.StuckBatches,
		"idle_sessions":        r.IdleSessions,
		"events_last_24h":      r.EventsLast24h,
		"signals":              signals,
		"recommendations":      r.Recommendations,
	}, nil
}
