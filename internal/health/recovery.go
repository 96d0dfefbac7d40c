package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/session"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

// Recovery action names.
const (
	ActionRestartStuckBatches     = "restart_stuck_batches"
	ActionCleanupInactiveSessions = "cleanup_inactive_sessions"
	ActionResolveSimpleConflicts  = "resolve_simple_conflicts"
	ActionRetryFailedOperations   = "retry_failed_operations"
)

// Per-call bounds on recovery actions.
const (
	MaxStuckBatches     = 10
	MaxIdleSessions     = 25
	MaxSimpleConflicts  = 10
	MaxRetriedEvents    = 5
	MaxRetriesPerEvent  = 3
	retryCandidatesScan = 50
)

// RecoveryActor is recorded as the actor of every recovery mutation.
const RecoveryActor = "auto_recovery"

// RecoveryItem is one record a recovery action touched or would touch.
type RecoveryItem struct {
	ID     string `json:"id"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RecoveryResult reports what a recovery action did, or would do when
// DryRun is set.
type RecoveryResult struct {
	Action   string         `json:"action"`
	DryRun   bool           `json:"dry_run"`
	Found    int            `json:"found"`
	Affected int            `json:"affected"`
	Failed   int            `json:"failed"`
	Items    []RecoveryItem `json:"items"`
}

// Recovery runs bounded corrective actions.
type Recovery struct {
	store      *store.SQLiteStore
	events     *eventlog.Log
	batches    *batch.Orchestrator
	sessions   *session.Registry
	conflicts  *conflict.Engine
	thresholds Thresholds
	logger     *slog.Logger
}

// NewRecovery creates a recovery runner.
func NewRecovery(s *store.SQLiteStore, events *eventlog.Log, batches *batch.Orchestrator, sessions *session.Registry, conflicts *conflict.Engine, t Thresholds, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:      s,
		events:     events,
		batches:    batches,
		sessions:   sessions,
		conflicts:  conflicts,
		thresholds: t.withDefaults(),
		logger:     logger.With("component", "recovery"),
	}
}

// Run dispatches a recovery action by name.
func (r *Recovery) Run(ctx context.Context, action string, dryRun bool) (*RecoveryResult, error) {
	switch action {
	case ActionRestartStuckBatches:
		return r.RestartStuckBatches(ctx, dryRun)
	case ActionCleanupInactiveSessions:
		return r.CleanupInactiveSessions(ctx, dryRun)
	case ActionResolveSimpleConflicts:
		return r.ResolveSimpleConflicts(ctx, dryRun)
	case ActionRetryFailedOperations:
		return r.RetryFailedOperations(ctx, dryRun)
	}
	return nil, apperr.Validation("recovery.run", "unknown recovery action %q", action)
}

// RestartStuckBatches marks batches running past the stuck threshold
// as failed.
func (r *Recovery) RestartStuckBatches(ctx context.Context, dryRun bool) (*RecoveryResult, error) {
	res := &RecoveryResult{Action: ActionRestartStuckBatches, DryRun: dryRun, Items: []RecoveryItem{}}
	stuck, err := r.batches.Stuck(ctx, r.thresholds.StuckBatchAfter, MaxStuckBatches)
	if err != nil {
		return nil, err
	}
	res.Found = len(stuck)
	for _, b := range stuck {
		item := RecoveryItem{
			ID:     b.ID,
			Detail: fmt.Sprintf("%s %s running since %s", b.EntityType, b.Operation, b.StartedAt.Format(time.RFC3339)),
		}
		if !dryRun {
			msg := fmt.Sprintf("marked failed by %s after running %s", RecoveryActor, time.Since(b.StartedAt).Round(time.Second))
			if _, err := r.batches.Close(ctx, b.ID, types.BatchFailed, []string{msg}); err != nil {
				item.Error = apperr.PublicMessage(err)
				res.Failed++
			} else {
				res.Affected++
			}
		}
		res.Items = append(res.Items, item)
	}
	return r.finish(ctx, res)
}

// CleanupInactiveSessions deactivates sessions idle past the threshold.
func (r *Recovery) CleanupInactiveSessions(ctx context.Context, dryRun bool) (*RecoveryResult, error) {
	res := &RecoveryResult{Action: ActionCleanupInactiveSessions, DryRun: dryRun, Items: []RecoveryItem{}}
	idle, err := r.sessions.Idle(ctx, r.thresholds.IdleSessionAfter, MaxIdleSessions)
	if err != nil {
		return nil, err
	}
	res.Found = len(idle)
	for _, s := range idle {
		item := RecoveryItem{
			ID:     s.ID,
			Detail: fmt.Sprintf("%s %s idle since %s", s.UserType, s.UserID, s.LastActivity.Format(time.RFC3339)),
		}
		if !dryRun {
			if _, err := r.sessions.Close(ctx, s.ID, RecoveryActor); err != nil {
				item.Error = apperr.PublicMessage(err)
				res.Failed++
			} else {
				res.Affected++
			}
		}
		res.Items = append(res.Items, item)
	}
	return r.finish(ctx, res)
}

// ResolveSimpleConflicts applies server_wins to unresolved
// version_mismatch conflicts.
func (r *Recovery) ResolveSimpleConflicts(ctx context.Context, dryRun bool) (*RecoveryResult, error) {
	res := &RecoveryResult{Action: ActionResolveSimpleConflicts, DryRun: dryRun, Items: []RecoveryItem{}}
	unresolved := false
	open, err := r.conflicts.List(ctx, conflict.ListFilter{
		ConflictType: types.ConflictVersionMismatch,
		Resolved:     &unresolved,
		Limit:        MaxSimpleConflicts,
	})
	if err != nil {
		return nil, err
	}
	res.Found = len(open)
	for _, c := range open {
		item := RecoveryItem{ID: c.ID, Detail: fmt.Sprintf("%s %s", c.EntityType, c.EntityID)}
		if !dryRun {
			if _, err := r.conflicts.Resolve(ctx, c.ID, types.ResolutionServerWins, nil, RecoveryActor); err != nil {
				item.Error = apperr.PublicMessage(err)
				res.Failed++
			} else {
				res.Affected++
			}
		}
		res.Items = append(res.Items, item)
	}
	return r.finish(ctx, res)
}

// RetryFailedOperations re-appends recent failed entity operations with
// retryCount+1 and metadata.retry_of pointing at the failed event. Only
// failures of a retryable kind are considered, and an event already at
// MaxRetriesPerEvent is left alone.
func (r *Recovery) RetryFailedOperations(ctx context.Context, dryRun bool) (*RecoveryResult, error) {
	res := &RecoveryResult{Action: ActionRetryFailedOperations, DryRun: dryRun, Items: []RecoveryItem{}}
	candidates, err := r.store.QueryEvents(ctx, store.EventFilter{
		Actions:    []types.Action{types.ActionCreate, types.ActionUpdate, types.ActionDelete},
		FailedOnly: true,
		Unretried:  true,
		RetryBelow: MaxRetriesPerEvent,
		Limit:      retryCandidatesScan,
	})
	if err != nil {
		return nil, store.Classify("recovery.retry_failed_operations", err)
	}

	for _, ev := range candidates {
		if len(res.Items) >= MaxRetriedEvents {
			break
		}
		if !retryable(ev) {
			continue
		}
		res.Found++
		item := RecoveryItem{
			ID:     ev.ID,
			Detail: fmt.Sprintf("%s %s %s attempt %d: %s", ev.Action, ev.EntityType, ev.EntityID, ev.RetryCount+1, ev.ErrorMessage),
		}
		if !dryRun {
			retry := types.SyncEvent{
				EntityType: ev.EntityType,
				EntityID:   ev.EntityID,
				Action:     ev.Action,
				ActorID:    RecoveryActor,
				OldData:    ev.OldData,
				NewData:    ev.NewData,
				Source:     types.SourceInternal,
				BatchID:    ev.BatchID,
				RetryCount: ev.RetryCount + 1,
				Metadata: ev.Metadata.Merge(types.Data{
					types.MetaKind:    "retry",
					types.MetaRetryOf: ev.ID,
				}),
			}
			delete(retry.Metadata, types.MetaErrorKind)
			if _, err := r.events.Append(ctx, retry); err != nil {
				item.Error = apperr.PublicMessage(err)
				res.Failed++
			} else {
				res.Affected++
			}
		}
		res.Items = append(res.Items, item)
	}
	return r.finish(ctx, res)
}

// retryable reports whether a failed event's error kind can succeed on
// a later attempt. Events recorded without a kind are treated as
// transient.
func retryable(ev types.SyncEvent) bool {
	kind, _ := ev.Metadata[types.MetaErrorKind].(string)
	switch apperr.Kind(kind) {
	case apperr.KindValidation, apperr.KindPolicy, apperr.KindNotFound, apperr.KindVersionConflict:
		return false
	}
	return true
}

// finish appends the action's audit event for real runs and logs it.
func (r *Recovery) finish(ctx context.Context, res *RecoveryResult) (*RecoveryResult, error) {
	if !res.DryRun {
		_, err := r.events.Append(ctx, types.SyncEvent{
			EntityType: types.EntityGlobal,
			Action:     types.ActionSync,
			ActorID:    RecoveryActor,
			Metadata: types.Data{
				types.MetaKind: "recovery_" + res.Action,
				"found":        res.Found,
				"affected":     res.Affected,
				"failed":       res.Failed,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	r.logger.Info("recovery action finished",
		"action", res.Action,
		"dry_run", res.DryRun,
		"found", res.Found,
		"affected", res.Affected,
		"failed", res.Failed,
	)
	return res, nil
}
