// Package conflict detects and resolves divergent writes to entity
// records, and evaluates the declarative per-entity-type rules that steer
// both.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DetectedError carries the conflict record created for a rejected write.
type DetectedError struct {
	Conflict *types.ConflictRecord
}

func (e *DetectedError) Error() string {
	return fmt.Sprintf("%s on %s %s (conflict %s)",
		e.Conflict.ConflictType, e.Conflict.EntityType, e.Conflict.EntityID, e.Conflict.ID)
}

// ConflictOf returns the conflict record attached to err, if any.
func ConflictOf(err error) (*types.ConflictRecord, bool) {
	var d *DetectedError
	if errors.As(err, &d) {
		return d.Conflict, true
	}
	return nil, false
}

// Engine is the conflict engine.
type Engine struct {
	store  *store.SQLiteStore
	events *eventlog.Log
	logger *slog.Logger
}

// New creates a conflict engine over s.
func New(s *store.SQLiteStore, events *eventlog.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, events: events, logger: logger.With("component", "conflict")}
}

// ListFilter selects conflicts for List.
type ListFilter struct {
	EntityType   types.EntityType       `json:"entity_type,omitempty"`
	EntityID     string                 `json:"entity_id,omitempty"`
	ConflictType types.ConflictType     `json:"conflict_type,omitempty"`
	Priority     types.ConflictPriority `json:"priority,omitempty"`
	Resolved     *bool                  `json:"resolved,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
}

// List returns matching conflicts newest first.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]types.ConflictRecord, error) {
	const op = "conflict.list"
	if f.EntityType != "" && !f.EntityType.Stored() {
		return nil, apperr.Validation(op, "unknown entity type %q", f.EntityType)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", f.Priority)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out, err := e.store.QueryConflicts(ctx, store.ConflictFilter{
		EntityType:   f.EntityType,
		EntityID:     f.EntityID,
		ConflictType: f.ConflictType,
		Priority:     f.Priority,
		Resolved:     f.Resolved,
		Limit:        limit,
	})
	if err != nil {
		return nil, store.Classify(op, err)
	}
	if out == nil {
		out = []types.ConflictRecord{}
	}
	return out, nil
}

// Get returns one conflict record.
func (e *Engine) Get(ctx context.Context, id string) (*types.ConflictRecord, error) {
	c, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return nil, store.Classify("conflict.get", err)
	}
	return c, nil
}
