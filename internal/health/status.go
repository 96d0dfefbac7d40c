package health

import (
	"context"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

// EntityStatus is the sync state of one entity type.
type EntityStatus struct {
	EntityType          types.EntityType `json:"entity_type"`
	SyncEnabled         bool             `json:"sync_enabled"`
	RecordCount         int              `json:"record_count"`
	DirtyCount          int              `json:"dirty_count"`
	LastSync            *time.Time       `json:"last_sync,omitempty"`
	UnresolvedConflicts int              `json:"unresolved_conflicts"`
	RunningBatches      int              `json:"running_batches"`
	LastEventAt         *time.Time       `json:"last_event_at,omitempty"`
	Error               string           `json:"error,omitempty"`
}

// SyncStatus reports per-entity-type sync state for et, or for every
// stored type when et is empty. A type whose figures cannot be read is
// reported zeroed with Error set; the returned error is the first such
// failure so callers can still render the rest.
func (m *Monitor) SyncStatus(ctx context.Context, et types.EntityType) ([]EntityStatus, error) {
	const op = "health.sync_status"
	entityTypes := types.StoredEntityTypes()
	if et != "" {
		if !et.Stored() {
			return []EntityStatus{}, apperr.Validation(op, "unknown entity type %q", et)
		}
		entityTypes = []types.EntityType{et}
	}

	out := make([]EntityStatus, 0, len(entityTypes))
	var first error
	for _, t := range entityTypes {
		st, err := m.entityStatus(ctx, t)
		if err != nil {
			err = store.Classify(op, err)
			if first == nil {
				first = err
			}
			st = EntityStatus{EntityType: t, Error: apperr.PublicMessage(err)}
			m.logger.Warn("sync status degraded",
				"action", "sync_status_degraded",
				"entity_type", t,
				"error", err,
			)
		}
		out = append(out, st)
	}
	return out, first
}

func (m *Monitor) entityStatus(ctx context.Context, et types.EntityType) (EntityStatus, error) {
	st := EntityStatus{EntityType: et}

	cfg, err := m.configs.Get(ctx, et)
	if err != nil {
		return st, err
	}
	st.SyncEnabled = cfg.SyncEnabled

	stats, err := m.store.EntityStats(ctx, et)
	if err != nil {
		return st, err
	}
	st.RecordCount, st.DirtyCount, st.LastSync = stats.Total, stats.Dirty, stats.LastSync

	unresolved := false
	if st.UnresolvedConflicts, err = m.store.CountConflicts(ctx, store.ConflictFilter{EntityType: et, Resolved: &unresolved}); err != nil {
		return st, err
	}
	if st.RunningBatches, err = m.store.CountBatches(ctx, store.BatchFilter{
		EntityType: et,
		Statuses:   []types.BatchStatus{types.BatchRunning},
	}); err != nil {
		return st, err
	}

	last, err := m.store.QueryEvents(ctx, store.EventFilter{EntityType: et, Limit: 1})
	if err != nil {
		return st, err
	}
	if len(last) == 1 {
		ts := last[0].Timestamp
		st.LastEventAt = &ts
	}
	return st, nil
}
