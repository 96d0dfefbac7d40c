package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// Write outcomes.
const (
	OutcomeApplied       = "applied"
	OutcomeSkipped       = "skipped"
	OutcomeServerWins    = "server_wins"
	OutcomePendingReview = "pending_review"
	OutcomeAutoResolved  = "auto_resolved"
)

// WriteRequest is one client mutation of an entity record.
type WriteRequest struct {
	EntityType      types.EntityType `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	Action          types.Action     `json:"action"`
	Data            types.Data       `json:"data,omitempty"`
	ExpectedVersion int64            `json:"expected_version"`
	ActorID         string           `json:"actor_id"`
	Source          types.Source     `json:"source,omitempty"`
	BatchID         string           `json:"batch_id,omitempty"`
}

// WriteResult describes what happened to an accepted write.
type WriteResult struct {
	Outcome  string                `json:"outcome"`
	Record   *types.EntityRecord   `json:"record,omitempty"`
	Event    *types.SyncEvent      `json:"event,omitempty"`
	Conflict *types.ConflictRecord `json:"conflict,omitempty"`
	Rule     string                `json:"rule,omitempty"`
}

// Write is the guarded entry point for creating, updating and deleting
// entity records. It enforces the entity type's sync policy, evaluates its
// rules when conflict detection is enabled, and applies the mutation
// conditionally on the expected version. A version mismatch, a duplicate
// create or a second write to the same entity within one batch records a
// conflict and fails with a VersionConflict error carrying it (see
// ConflictOf).
func (e *Engine) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	const op = "conflict.write"
	if err := validateWrite(req); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	var (
		out      *WriteResult
		detected *types.ConflictRecord
		skipped  []SkippedRule
	)
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		cfg, err := syncconfig.Load(ctx, q, req.EntityType)
		if err != nil {
			return err
		}
		if !cfg.SyncEnabled {
			return apperr.Policy(op, "sync is disabled for %s", req.EntityType)
		}
		w := writer{q: q, req: req}
		if cfg.EnableConflictDetection {
			w.rules = cfg.CustomRules
		}
		out, detected, skipped, err = w.run(ctx)
		return err
	})
	e.logSkipped(req.EntityType, skipped)

	if err != nil {
		err = store.Classify(op, err)
		e.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Action:     req.Action,
			ActorID:    req.ActorID,
			NewData:    req.Data,
			Source:     req.Source,
			BatchID:    req.BatchID,
			Metadata:   types.Data{"expected_version": req.ExpectedVersion},
		}, err)
		return nil, err
	}
	if detected != nil {
		e.logDetected(detected)
		return nil, apperr.Wrap(apperr.KindVersionConflict, op, &DetectedError{Conflict: detected})
	}

	e.logger.Debug("write processed",
		"action", "entity_write",
		"entity_type", req.EntityType,
		"entity_id", req.EntityID,
		"write_action", req.Action,
		"outcome", out.Outcome,
	)
	return out, nil
}

func validateWrite(req WriteRequest) error {
	if !req.EntityType.Stored() {
		return fmt.Errorf("unknown entity type %q", req.EntityType)
	}
	switch req.Action {
	case types.ActionCreate:
	case types.ActionUpdate, types.ActionDelete:
		if req.EntityID == "" {
			return fmt.Errorf("entity id is required for %s", req.Action)
		}
		if req.ExpectedVersion < 1 {
			return fmt.Errorf("expected version is required for %s", req.Action)
		}
	default:
		return fmt.Errorf("action %q is not a write", req.Action)
	}
	if req.Source != "" && !req.Source.Valid() {
		return fmt.Errorf("unknown source %q", req.Source)
	}
	return nil
}

// writer carries one guarded write through a transaction.
type writer struct {
	q     *store.Queries
	req   WriteRequest
	rules []types.CustomRule
}

// run returns either a result, or a detected conflict that was recorded
// and must be reported to the caller once the transaction commits.
func (w writer) run(ctx context.Context) (*WriteResult, *types.ConflictRecord, []SkippedRule, error) {
	req := w.req

	var current *types.EntityRecord
	if req.EntityID != "" {
		rec, err := w.q.GetEntity(ctx, req.EntityType, req.EntityID)
		switch {
		case err == nil:
			current = rec
		case errors.Is(err, store.ErrNotFound):
			if req.Action != types.ActionCreate {
				return nil, nil, nil, err
			}
		default:
			return nil, nil, nil, err
		}
	}

	// Rules see the record as it would look after the write.
	proposed := req.Data
	if current != nil {
		proposed = current.Data.Merge(req.Data)
	}
	match, skipped := Evaluate(w.rules, proposed)
	var rule types.CustomRule
	if match != nil {
		rule = match.Rule
	}

	switch rule.Action.Type {
	case syncconfig.ActionSkipSync:
		res, err := w.record(ctx, OutcomeSkipped, current, nil, rule, types.ActionSync, "")
		return res, nil, skipped, err
	case syncconfig.ActionForceServerWins:
		// Applies to fresh writes as well as stale ones.
		res, err := w.record(ctx, OutcomeServerWins, current, current, rule, types.ActionSync, types.EventResolutionServer)
		return res, nil, skipped, err
	case syncconfig.ActionManualReview:
		c, err := detectTx(ctx, w.q, w.detectRequest(current, types.ConflictFieldConflict, priorityParam(rule)))
		if err != nil {
			return nil, nil, skipped, err
		}
		return &WriteResult{Outcome: OutcomePendingReview, Conflict: c, Rule: rule.Name, Record: current}, nil, skipped, nil
	}

	conflictType := w.conflictType(current)
	if conflictType == "" {
		concurrent, err := w.concurrentInBatch(ctx)
		if err != nil {
			return nil, nil, skipped, err
		}
		if concurrent {
			conflictType = types.ConflictConcurrentUpdate
		}
	}

	if conflictType != "" {
		switch rule.Action.Type {
		case syncconfig.ActionForceClientWins:
			// Overwrite at the stored version.
		case syncconfig.ActionAutoResolve:
			c, err := detectTx(ctx, w.q, w.detectRequest(current, conflictType, ""))
			if err != nil {
				return nil, nil, skipped, err
			}
			res, _ := rule.Action.Parameters["resolution"].(string)
			resolved, err := resolveTx(ctx, w.q, c, types.Resolution(res), nil, "rule:"+rule.Name, types.Data{"rule": rule.Name})
			if err != nil {
				return nil, nil, skipped, err
			}
			return &WriteResult{
				Outcome:  OutcomeAutoResolved,
				Record:   resolved.Record,
				Event:    resolved.Event,
				Conflict: resolved.Conflict,
				Rule:     rule.Name,
			}, nil, skipped, nil
		default:
			c, err := detectTx(ctx, w.q, w.detectRequest(current, conflictType, ""))
			return nil, c, skipped, err
		}
	}

	var (
		record *types.EntityRecord
		err    error
	)
	switch req.Action {
	case types.ActionCreate:
		if current != nil {
			// force_client_wins on an existing id becomes an update.
			record, err = w.q.PatchEntity(ctx, req.EntityType, req.EntityID, req.Data, current.Version)
		} else {
			record, err = w.q.InsertEntity(ctx, req.EntityType, req.EntityID, req.Data)
		}
	case types.ActionUpdate:
		record, err = w.q.PatchEntity(ctx, req.EntityType, req.EntityID, req.Data, current.Version)
	case types.ActionDelete:
		err = w.q.DeleteEntity(ctx, req.EntityType, req.EntityID)
	}
	if err != nil {
		return nil, nil, skipped, err
	}
	res, err := w.record(ctx, OutcomeApplied, current, record, rule, req.Action, "")
	return res, nil, skipped, err
}

// conflictType classifies a version or existence mismatch, or returns "".
func (w writer) conflictType(current *types.EntityRecord) types.ConflictType {
	switch w.req.Action {
	case types.ActionCreate:
		if current != nil {
			return types.ConflictCreationConflict
		}
	case types.ActionUpdate:
		if current.Version != w.req.ExpectedVersion {
			return types.ConflictVersionMismatch
		}
	case types.ActionDelete:
		if current.Version != w.req.ExpectedVersion {
			return types.ConflictDeletionConflict
		}
	}
	return ""
}

// concurrentInBatch reports whether the same batch already wrote this entity.
func (w writer) concurrentInBatch(ctx context.Context) (bool, error) {
	if w.req.BatchID == "" || w.req.EntityID == "" {
		return false, nil
	}
	prior, err := w.q.QueryEvents(ctx, store.EventFilter{
		EntityType: w.req.EntityType,
		EntityID:   w.req.EntityID,
		BatchID:    w.req.BatchID,
		Actions:    []types.Action{types.ActionCreate, types.ActionUpdate, types.ActionDelete},
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	for _, ev := range prior {
		if !ev.Failed() {
			return true, nil
		}
	}
	return false, nil
}

func (w writer) detectRequest(current *types.EntityRecord, ct types.ConflictType, priority types.ConflictPriority) DetectRequest {
	req := DetectRequest{
		EntityType:   w.req.EntityType,
		EntityID:     w.req.EntityID,
		ConflictType: ct,
		ClientData:   w.req.Data,
		Priority:     priority,
		ActorID:      w.req.ActorID,
		BatchID:      w.req.BatchID,
		Source:       w.req.Source,
	}
	if req.ClientData == nil {
		req.ClientData = types.Data{}
	}
	if current != nil {
		req.ServerData = current.Data
	}
	return req
}

// record appends the event describing an accepted write.
func (w writer) record(ctx context.Context, outcome string, before, after *types.EntityRecord, rule types.CustomRule, action types.Action, resolution types.EventResolution) (*WriteResult, error) {
	meta := types.Data{"outcome": outcome}
	if rule.Name != "" {
		meta["rule"] = rule.Name
		if rule.Action.Type == syncconfig.ActionPrioritizeSync {
			meta["prioritized"] = true
		}
	}
	ev := types.SyncEvent{
		EntityType:         w.req.EntityType,
		EntityID:           w.req.EntityID,
		Action:             action,
		ActorID:            w.req.ActorID,
		Source:             w.req.Source,
		BatchID:            w.req.BatchID,
		ConflictResolution: resolution,
		Metadata:           meta,
	}
	if before != nil {
		ev.OldData = before.Data
	}
	if after != nil {
		ev.EntityID = after.ID
		ev.NewData = after.Data
		meta["version"] = after.Version
	} else if action == types.ActionSync {
		ev.NewData = w.req.Data
	}
	appended, err := eventlog.AppendTx(ctx, w.q, ev)
	if err != nil {
		return nil, err
	}
	record := after
	if record == nil && outcome != OutcomeApplied {
		record = before
	}
	return &WriteResult{Outcome: outcome, Record: record, Event: appended, Rule: rule.Name}, nil
}
