// Package eventlog is the append-only sync event log, the single source
// of audit truth for every mutation in the engine.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	MaxExportEvents   = 10000
)

// Filter selects events for Query. Zero fields do not constrain.
type Filter struct {
	EntityType types.EntityType `json:"entity_type,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	ActorID    string           `json:"actor_id,omitempty"`
	Action     types.Action     `json:"action,omitempty"`
	BatchID    string           `json:"batch_id,omitempty"`
	Range      types.TimeRange  `json:"range"`
	Limit      int              `json:"limit,omitempty"`
}

// Log appends and reads sync events.
type Log struct {
	store  *store.SQLiteStore
	logger *slog.Logger
}

// New creates an event log over s.
func New(s *store.SQLiteStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, logger: logger.With("component", "eventlog")}
}

// Prepare assigns an id, timestamp and defaults to ev and validates it.
func Prepare(ev *types.SyncEvent, now time.Time) error {
	if !ev.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", ev.EntityType)
	}
	if !ev.Action.Valid() {
		return fmt.Errorf("unknown action %q", ev.Action)
	}
	if ev.Source == "" {
		ev.Source = types.SourceInternal
	}
	if !ev.Source.Valid() {
		return fmt.Errorf("unknown source %q", ev.Source)
	}
	if ev.ConflictResolution != "" && !ev.ConflictResolution.Valid() {
		return fmt.Errorf("unknown conflict resolution %q", ev.ConflictResolution)
	}
	if ev.RetryCount < 0 {
		return fmt.Errorf("retry count must not be negative")
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Millisecond)
	if ev.Metadata == nil {
		ev.Metadata = types.Data{}
	}
	return nil
}

// AppendTx validates and appends ev through q, so callers can record an
// event in the same transaction as the mutation it describes.
func AppendTx(ctx context.Context, q *store.Queries, ev types.SyncEvent) (*types.SyncEvent, error) {
	const op = "eventlog.append"
	if err := Prepare(&ev, time.Now().UTC()); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	if err := q.InsertEvent(ctx, &ev); err != nil {
		return nil, store.Classify(op, err)
	}
	return &ev, nil
}

// Append writes one event atomically.
func (l *Log) Append(ctx context.Context, ev types.SyncEvent) (*types.SyncEvent, error) {
	out, err := AppendTx(ctx, l.store.Queries, ev)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("event appended",
		"action", "event_appended",
		"event_id", out.ID,
		"entity_type", out.EntityType,
		"entity_id", out.EntityID,
		"event_action", out.Action,
	)
	return out, nil
}

// RecordFailure appends ev annotated with cause. The append outlives a
// cancelled ctx. A failure to append is logged and otherwise ignored so
// the caller can still return cause.
func (l *Log) RecordFailure(ctx context.Context, ev types.SyncEvent, cause error) {
	RecordFailureTx(ctx, l.store.Queries, l.logger, ev, cause)
}

// RecordFailureTx is RecordFailure against an explicit Queries.
func RecordFailureTx(ctx context.Context, q *store.Queries, logger *slog.Logger, ev types.SyncEvent, cause error) {
	if cause == nil {
		return
	}
	ev.ErrorMessage = cause.Error()
	ev.Metadata = ev.Metadata.Merge(types.Data{types.MetaErrorKind: string(apperr.KindOf(cause))})
	if !ev.EntityType.Valid() {
		ev.Metadata["requested_entity_type"] = string(ev.EntityType)
		ev.EntityType = types.EntityGlobal
	}
	if _, err := AppendTx(context.WithoutCancel(ctx), q, ev); err != nil {
		logger.Error("failed to record failure event",
			"action", "failure_event_dropped",
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"cause", cause,
			"error", err,
		)
	}
}

// Query returns matching events newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]types.SyncEvent, error) {
	const op = "eventlog.query"
	if f.EntityType != "" && !f.EntityType.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", f.EntityType)
	}
	if f.Action != "" && !f.Action.Valid() {
		return nil, apperr.Validation(op, "unknown action %q", f.Action)
	}
	sf := store.EventFilter{
		EntityType: f.EntityType,
		EntityID:   f.EntityID,
		ActorID:    f.ActorID,
		BatchID:    f.BatchID,
		Range:      f.Range,
		Limit:      clampLimit(f.Limit),
	}
	if f.Action != "" {
		sf.Actions = []types.Action{f.Action}
	}
	events, err := l.store.QueryEvents(ctx, sf)
	if err != nil {
		return nil, store.Classify(op, err)
	}
	if events == nil {
		events = []types.SyncEvent{}
	}
	return events, nil
}

// History returns the events of one record newest first.
func (l *Log) History(ctx context.Context, et types.EntityType, entityID string, limit int) ([]types.SyncEvent, error) {
	if entityID == "" {
		return nil, apperr.Validation("eventlog.history", "entity id is required")
	}
	return l.Query(ctx, Filter{EntityType: et, EntityID: entityID, Limit: limit})
}

// Cleanup deletes events strictly older than olderThanDays. With
// keepConflicts, conflict events not marked resolved are kept.
func (l *Log) Cleanup(ctx context.Context, olderThanDays int, keepConflicts bool) (int64, error) {
	const op = "eventlog.cleanup"
	if olderThanDays < 1 {
		return 0, apperr.Validation(op, "olderThanDays must be at least 1, got %d", olderThanDays)
	}
	start := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := l.store.DeleteEventsBefore(ctx, cutoff, keepConflicts)
	if err != nil {
		return 0, store.Classify(op, err)
	}
	l.logger.Info("event retention cleanup",
		"action", "events_cleaned",
		"deleted", n,
		"older_than_days", olderThanDays,
		"keep_conflicts", keepConflicts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultQueryLimit
	}
	if n > MaxQueryLimit {
		return MaxQueryLimit
	}
	return n
}
