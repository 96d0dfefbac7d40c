// Package batch tracks groups of entity operations that share one
// lifecycle and one set of progress counters.
package batch

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
	// MaxErrors bounds the error messages kept on one batch.
	MaxErrors        = 100
	DefaultListLimit = 50
)

// OpenRequest starts a batch.
type OpenRequest struct {
	BatchID      string               `json:"batch_id,omitempty"`
	EntityType   types.EntityType     `json:"entity_type"`
	Operation    types.BatchOperation `json:"operation"`
	TotalRecords int                  `json:"total_records"`
	InitiatedBy  string               `json:"initiated_by"`
}

// Progress is an increment of a running batch's counters.
type Progress struct {
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Conflicted int      `json:"conflicted"`
	Errors     []string `json:"errors,omitempty"`
}

// ListFilter selects batches for List.
type ListFilter struct {
	EntityType types.EntityType     `json:"entity_type,omitempty"`
	Operation  types.BatchOperation `json:"operation,omitempty"`
	Status     types.BatchStatus    `json:"status,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

// Orchestrator manages batch lifecycles.
type Orchestrator struct {
	store  *store.SQLiteStore
	events *eventlog.Log
	logger *slog.Logger
}

// New creates a batch orchestrator.
func New(s *store.SQLiteStore, events *eventlog.Log, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: s, events: events, logger: logger.With("component", "batch")}
}

// Open creates a batch in pending and moves it to running.
func (o *Orchestrator) Open(ctx context.Context, req OpenRequest) (*types.SyncBatch, error) {
	const op = "batch.open"
	if !req.EntityType.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", req.EntityType)
	}
	if !req.Operation.Valid() {
		return nil, apperr.Validation(op, "unknown operation %q", req.Operation)
	}
	if req.TotalRecords < 0 {
		return nil, apperr.Validation(op, "total records must not be negative")
	}
	if req.BatchID == "" {
		req.BatchID = ulid.Make().String()
	}

	b := &types.SyncBatch{
		ID:           req.BatchID,
		EntityType:   req.EntityType,
		Operation:    req.Operation,
		Status:       types.BatchPending,
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
		TotalRecords: req.TotalRecords,
		InitiatedBy:  req.InitiatedBy,
		Errors:       []string{},
	}
	err := o.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertBatch(ctx, b); err != nil {
			return err
		}
		b.Status = types.BatchRunning
		if err := q.UpdateBatch(ctx, b, types.BatchPending); err != nil {
			return err
		}
		return o.audit(ctx, q, b, "batch_opened", req.InitiatedBy, nil)
	})
	if err != nil {
		return nil, o.fail(ctx, op, b, req.InitiatedBy, err)
	}

	o.logger.Info("batch opened",
		"action", "batch_opened",
		"batch_id", b.ID,
		"entity_type", b.EntityType,
		"operation", b.Operation,
		"total_records", b.TotalRecords,
	)
	return b, nil
}

// Progress adds p to a running batch. Counts never decrease, and the
// update is rejected without writing if it would break
// processed <= total or successful + failed <= processed.
func (o *Orchestrator) Progress(ctx context.Context, batchID string, p Progress) (*types.SyncBatch, error) {
	const op = "batch.progress"
	if p.Processed < 0 || p.Successful < 0 || p.Failed < 0 || p.Conflicted < 0 {
		return nil, apperr.Validation(op, "progress counts must not be negative")
	}

	var b *types.SyncBatch
	err := o.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		b, err = q.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != types.BatchRunning {
			return apperr.Validation(op, "batch %s is %s, not running", batchID, b.Status)
		}
		b.ProcessedRecords += p.Processed
		b.SuccessfulRecords += p.Successful
		b.FailedRecords += p.Failed
		b.ConflictedRecords += p.Conflicted
		b.Errors = appendErrors(b.Errors, p.Errors)
		if err := b.CheckCounts(); err != nil {
			return apperr.Wrap(apperr.KindValidation, op, err)
		}
		if err := q.UpdateBatch(ctx, b, types.BatchRunning); err != nil {
			return err
		}
		return o.audit(ctx, q, b, "batch_progress", "", types.Data{
			"delta_processed":  p.Processed,
			"delta_successful": p.Successful,
			"delta_failed":     p.Failed,
			"delta_conflicted": p.Conflicted,
		})
	})
	if err != nil {
		return nil, o.fail(ctx, op, &types.SyncBatch{ID: batchID, EntityType: entityTypeOf(b)}, "", err)
	}
	return b, nil
}

// Close moves a batch to a terminal status and stamps completedAt. A
// closed batch is frozen.
func (o *Orchestrator) Close(ctx context.Context, batchID string, status types.BatchStatus, errs []string) (*types.SyncBatch, error) {
	const op = "batch.close"
	if !status.Terminal() {
		return nil, apperr.Validation(op, "status %q is not terminal", status)
	}

	var b *types.SyncBatch
	err := o.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		b, err = q.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status.Terminal() {
			return apperr.Validation(op, "batch %s is already %s", batchID, b.Status)
		}
		from := b.Status
		now := time.Now().UTC().Truncate(time.Millisecond)
		b.Status = status
		b.CompletedAt = &now
		b.Errors = appendErrors(b.Errors, errs)
		if err := q.UpdateBatch(ctx, b, from); err != nil {
			return err
		}
		return o.audit(ctx, q, b, "batch_closed", "", types.Data{"from_status": string(from)})
	})
	if err != nil {
		return nil, o.fail(ctx, op, &types.SyncBatch{ID: batchID, EntityType: entityTypeOf(b)}, "", err)
	}

	o.logger.Info("batch closed",
		"action", "batch_closed",
		"batch_id", b.ID,
		"status", b.Status,
		"processed", b.ProcessedRecords,
		"failed", b.FailedRecords,
		"duration_ms", b.CompletedAt.Sub(b.StartedAt).Milliseconds(),
	)
	return b, nil
}

// Get returns one batch.
func (o *Orchestrator) Get(ctx context.Context, batchID string) (*types.SyncBatch, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, store.Classify("batch.get", err)
	}
	return b, nil
}

// List returns matching batches, most recently started first.
func (o *Orchestrator) List(ctx context.Context, f ListFilter) ([]types.SyncBatch, error) {
	const op = "batch.list"
	sf := store.BatchFilter{EntityType: f.EntityType, Operation: f.Operation, Limit: f.Limit}
	if sf.Limit <= 0 {
		sf.Limit = DefaultListLimit
	}
	if f.Status != "" {
		sf.Statuses = []types.BatchStatus{f.Status}
	}
	out, err := o.store.QueryBatches(ctx, sf)
	if err != nil {
		return nil, store.Classify(op, err)
	}
	if out == nil {
		out = []types.SyncBatch{}
	}
	return out, nil
}

// Stuck returns batches still running after threshold.
func (o *Orchestrator) Stuck(ctx context.Context, threshold time.Duration, limit int) ([]types.SyncBatch, error) {
	out, err := o.store.QueryBatches(ctx, store.BatchFilter{
		Statuses:      []types.BatchStatus{types.BatchRunning},
		StartedBefore: time.Now().UTC().Add(-threshold),
		Limit:         limit,
	})
	if err != nil {
		return nil, store.Classify("batch.stuck", err)
	}
	return out, nil
}

func (o *Orchestrator) audit(ctx context.Context, q *store.Queries, b *types.SyncBatch, kind, actor string, extra types.Data) error {
	_, err := eventlog.AppendTx(ctx, q, types.SyncEvent{
		EntityType: b.EntityType,
		Action:     types.ActionSync,
		ActorID:    actor,
		BatchID:    b.ID,
		Metadata: types.Data{
			types.MetaKind: kind,
			"status":       string(b.Status),
			"operation":    string(b.Operation),
			"total":        b.TotalRecords,
			"processed":    b.ProcessedRecords,
			"successful":   b.SuccessfulRecords,
			"failed":       b.FailedRecords,
			"conflicted":   b.ConflictedRecords,
		}.Merge(extra),
	})
	return err
}

func (o *Orchestrator) fail(ctx context.Context, op string, b *types.SyncBatch, actor string, err error) error {
	err = store.Classify(op, err)
	et := b.EntityType
	if et == "" {
		et = types.EntityGlobal
	}
	o.events.RecordFailure(ctx, types.SyncEvent{
		EntityType: et,
		Action:     types.ActionSync,
		ActorID:    actor,
		BatchID:    b.ID,
		Metadata:   types.Data{types.MetaKind: op},
	}, err)
	return err
}

func entityTypeOf(b *types.SyncBatch) types.EntityType {
	if b == nil {
		return ""
	}
	return b.EntityType
}

func appendErrors(existing, more []string) []string {
	out := existing
	if out == nil {
		out = []string{}
	}
	for _, e := range more {
		if len(out) >= MaxErrors {
			break
		}
		out = append(out, e)
	}
	return out
}
