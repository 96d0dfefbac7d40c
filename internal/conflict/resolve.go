package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

// MaxBulkResolve caps the ids accepted by one BulkResolve call.
const MaxBulkResolve = 100

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	Conflict *types.ConflictRecord `json:"conflict"`
	Record   *types.EntityRecord   `json:"record,omitempty"`
	Event    *types.SyncEvent      `json:"event"`
}

// BulkItem is the per-id outcome of BulkResolve.
type BulkItem struct {
	ConflictID string      `json:"conflict_id"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Kind       apperr.Kind `json:"kind,omitempty"`
}

// BulkResult is the outcome of BulkResolve.
type BulkResult struct {
	Results        []BulkItem `json:"results"`
	TotalProcessed int        `json:"total_processed"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
}

// Resolve applies resolution to one conflict exactly once. The entity is
// patched (version bumped, dirty cleared), the conflict is marked
// resolved and a conflict event carrying the resolution is appended, all
// in one transaction. Resolving an already-resolved conflict fails and
// writes nothing.
func (e *Engine) Resolve(ctx context.Context, conflictID string, resolution types.Resolution, resolvedData types.Data, resolvedBy string) (*Resolved, error) {
	const op = "conflict.resolve"
	if conflictID == "" {
		return nil, apperr.Validation(op, "conflict id is required")
	}
	if !resolution.Valid() {
		return nil, apperr.Validation(op, "unknown resolution %q", resolution)
	}

	var (
		out        *Resolved
		entityType = types.EntityGlobal
		entityID   string
	)
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		c, err := q.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		entityType, entityID = c.EntityType, c.EntityID
		out, err = resolveTx(ctx, q, c, resolution, resolvedData, resolvedBy, nil)
		return err
	})
	if err != nil {
		err = store.Classify(op, err)
		e.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: entityType,
			EntityID:   entityID,
			Action:     types.ActionSync,
			ActorID:    resolvedBy,
			Metadata: types.Data{
				types.MetaKind:       "conflict_resolve",
				types.MetaConflictID: conflictID,
				"resolution":         string(resolution),
			},
		}, err)
		return nil, err
	}

	e.logger.Info("conflict resolved",
		"action", "conflict_resolved",
		"conflict_id", conflictID,
		"entity_type", out.Conflict.EntityType,
		"entity_id", out.Conflict.EntityID,
		"resolution", resolution,
		"resolved_by", resolvedBy,
	)
	return out, nil
}

// BulkResolve resolves each id independently. One failure never aborts
// the others; the result lists every id in input order.
func (e *Engine) BulkResolve(ctx context.Context, conflictIDs []string, resolution types.Resolution, userID string) (*BulkResult, error) {
	const op = "conflict.bulk_resolve"
	if len(conflictIDs) == 0 {
		return nil, apperr.Validation(op, "at least one conflict id is required")
	}
	if len(conflictIDs) > MaxBulkResolve {
		return nil, apperr.Validation(op, "at most %d conflict ids per call, got %d", MaxBulkResolve, len(conflictIDs))
	}
	if !resolution.Valid() {
		return nil, apperr.Validation(op, "unknown resolution %q", resolution)
	}
	if resolution == types.ResolutionManual {
		return nil, apperr.Validation(op, "manual resolution requires per-conflict data and cannot be applied in bulk")
	}

	res := &BulkResult{Results: make([]BulkItem, 0, len(conflictIDs))}
	for _, id := range conflictIDs {
		item := BulkItem{ConflictID: id}
		if _, err := e.Resolve(ctx, id, resolution, nil, userID); err != nil {
			item.Error = apperr.PublicMessage(err)
			item.Kind = apperr.KindOf(err)
			res.Failed++
		} else {
			item.Success = true
			res.Succeeded++
		}
		res.Results = append(res.Results, item)
		res.TotalProcessed++
	}

	e.logger.Info("bulk conflict resolution",
		"action", "conflicts_bulk_resolved",
		"resolution", resolution,
		"total", res.TotalProcessed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

// resolveTx resolves c through q. meta is merged into the resolution
// event's metadata.
func resolveTx(ctx context.Context, q *store.Queries, c *types.ConflictRecord, resolution types.Resolution, resolvedData types.Data, resolvedBy string, meta types.Data) (*Resolved, error) {
	if c.IsResolved {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, store.ErrAlreadyResolved)
	}

	current, err := q.GetEntity(ctx, c.EntityType, c.EntityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, store.ErrNotFound) {
		current = nil
	}

	data, err := resolutionData(c, current, resolution, resolvedData)
	if err != nil {
		return nil, err
	}

	var record *types.EntityRecord
	switch {
	case current == nil && c.ConflictType == types.ConflictDeletionConflict:
		// Already gone; nothing to restore or delete.
	case current == nil:
		if record, err = q.InsertEntity(ctx, c.EntityType, c.EntityID, data); err != nil {
			return nil, err
		}
	case c.ConflictType == types.ConflictDeletionConflict && resolution == types.ResolutionClientWins:
		if err := q.DeleteEntity(ctx, c.EntityType, c.EntityID); err != nil {
			return nil, err
		}
	default:
		if record, err = q.PatchEntity(ctx, c.EntityType, c.EntityID, data, current.Version); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := q.MarkConflictResolved(ctx, c.ID, resolution, data, resolvedBy, now); err != nil {
		return nil, err
	}

	ev := types.SyncEvent{
		EntityType:         c.EntityType,
		EntityID:           c.EntityID,
		Action:             types.ActionConflict,
		ActorID:            resolvedBy,
		Timestamp:          now,
		ConflictResolution: resolution.EventResolution(),
		Metadata: types.Data{
			types.MetaConflictID: c.ID,
			types.MetaResolved:   true,
			"resolution":         string(resolution),
			"conflict_type":      string(c.ConflictType),
		}.Merge(meta),
	}
	if current != nil {
		ev.OldData = current.Data
	}
	if record != nil {
		ev.NewData = record.Data
		ev.Metadata["version"] = record.Version
	}
	appended, err := eventlog.AppendTx(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	if c.EventID != "" {
		err := q.SetEventMetadata(ctx, c.EventID, types.MetaResolved, true)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	resolved := *c
	resolved.IsResolved = true
	resolved.Resolution = resolution
	resolved.ResolvedData = data
	resolved.ResolvedBy = resolvedBy
	resolved.ResolvedAt = &now
	return &Resolved{Conflict: &resolved, Record: record, Event: appended}, nil
}

// resolutionData picks the fields written to the entity for resolution.
// server_wins keeps the stored state as it is now, not as it was when the
// conflict was detected.
func resolutionData(c *types.ConflictRecord, current *types.EntityRecord, resolution types.Resolution, resolvedData types.Data) (types.Data, error) {
	switch resolution {
	case types.ResolutionServerWins:
		if current != nil {
			return current.Data.Clone(), nil
		}
		return c.ServerData.Clone(), nil
	case types.ResolutionClientWins:
		return c.ClientData.Clone(), nil
	case types.ResolutionMerge:
		base := c.ServerData
		if current != nil {
			base = current.Data
		}
		merged := base.Merge(c.ClientData)
		if resolvedData != nil {
			merged = merged.Merge(resolvedData)
		}
		return merged, nil
	case types.ResolutionManual:
		if resolvedData == nil {
			return nil, apperr.Validation("conflict.resolve", "manual resolution requires resolved data")
		}
		return resolvedData.Clone(), nil
	}
	return nil, apperr.Validation("conflict.resolve", "unknown resolution %q", resolution)
}
