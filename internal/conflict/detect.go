package conflict

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// DetectRequest reports a conflict observed outside the guarded write
// path, for example a client noticing inconsistent data.
type DetectRequest struct {
	EntityType     types.EntityType       `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	ConflictType   types.ConflictType     `json:"conflict_type"`
	ServerData     types.Data             `json:"server_data,omitempty"`
	ClientData     types.Data             `json:"client_data,omitempty"`
	ConflictFields []string               `json:"conflict_fields,omitempty"`
	Priority       types.ConflictPriority `json:"priority,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	BatchID        string                 `json:"batch_id,omitempty"`
	Source         types.Source           `json:"source,omitempty"`
}

// Detect records a conflict and its conflict event atomically.
func (e *Engine) Detect(ctx context.Context, req DetectRequest) (*types.ConflictRecord, error) {
	const op = "conflict.detect"
	if !req.EntityType.Stored() {
		return nil, apperr.Validation(op, "unknown entity type %q", req.EntityType)
	}
	if req.EntityID == "" {
		return nil, apperr.Validation(op, "entity id is required")
	}
	if !req.ConflictType.Valid() {
		return nil, apperr.Validation(op, "unknown conflict type %q", req.ConflictType)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", req.Priority)
	}

	var out *types.ConflictRecord
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		out, err = detectTx(ctx, q, req)
		return err
	})
	if err != nil {
		err = store.Classify(op, err)
		e.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Action:     types.ActionSync,
			ActorID:    req.ActorID,
			Metadata:   types.Data{types.MetaKind: "conflict_detect"},
		}, err)
		return nil, err
	}
	e.logDetected(out)
	return out, nil
}

// detectTx stores a conflict record and its unresolved conflict event.
func detectTx(ctx context.Context, q *store.Queries, req DetectRequest) (*types.ConflictRecord, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	fields := req.ConflictFields
	if len(fields) == 0 {
		fields = ChangedFields(req.ServerData, req.ClientData)
	}
	priority := req.Priority
	if priority == "" {
		priority = priorityFor(req.EntityType, req.ConflictType)
	}

	c := &types.ConflictRecord{
		ID:             ulid.Make().String(),
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ConflictType:   req.ConflictType,
		ServerData:     req.ServerData,
		ClientData:     req.ClientData,
		ConflictFields: fields,
		Priority:       priority,
		CreatedAt:      now,
	}

	ev, err := eventlog.AppendTx(ctx, q, types.SyncEvent{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     types.ActionConflict,
		ActorID:    req.ActorID,
		Timestamp:  now,
		OldData:    req.ServerData,
		NewData:    req.ClientData,
		Source:     req.Source,
		BatchID:    req.BatchID,
		Metadata: types.Data{
			types.MetaConflictID: c.ID,
			"conflict_type":      string(req.ConflictType),
			"conflict_fields":    fields,
		},
	})
	if err != nil {
		return nil, err
	}
	c.EventID = ev.ID

	if err := q.InsertConflict(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) logDetected(c *types.ConflictRecord) {
	e.logger.Warn("conflict detected",
		"action", "conflict_detected",
		"conflict_id", c.ID,
		"conflict_type", c.ConflictType,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"priority", c.Priority,
	)
}

// priorityFor assigns a review priority to a newly detected conflict.
func priorityFor(et types.EntityType, ct types.ConflictType) types.ConflictPriority {
	switch ct {
	case types.ConflictPermissionConflict:
		return types.ConflictPriorityCritical
	case types.ConflictDeletionConflict, types.ConflictDataInconsistency:
		return types.ConflictPriorityHigh
	}
	switch et {
	case types.EntityPayments, types.EntityOrders:
		return types.ConflictPriorityHigh
	}
	if ct == types.ConflictConcurrentUpdate {
		return types.ConflictPriorityLow
	}
	return types.ConflictPriorityMedium
}

// ChangedFields lists, sorted, the keys of client whose values are absent
// from or differ in server. Client payloads are partial, so keys only the
// server holds are not conflicts.
func ChangedFields(server, client types.Data) []string {
	var out []string
	for k, cv := range client {
		if sv, ok := server[k]; !ok || !reflect.DeepEqual(sv, cv) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
