// Package session is the registry of connected client sessions.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

const (
	DefaultIdleThreshold = 30 * time.Minute
	DefaultListLimit     = 100
)

// OpenRequest registers a session. An empty SessionID is generated.
type OpenRequest struct {
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id"`
	UserType   types.UserType `json:"user_type"`
	DeviceInfo string         `json:"device_info,omitempty"`
}

// ListFilter selects sessions for List.
type ListFilter struct {
	UserID   string         `json:"user_id,omitempty"`
	UserType types.UserType `json:"user_type,omitempty"`
	Active   *bool          `json:"active,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// Registry tracks ActiveSession state.
type Registry struct {
	store  *store.SQLiteStore
	events *eventlog.Log
	logger *slog.Logger
}

// New creates a session registry.
func New(s *store.SQLiteStore, events *eventlog.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, events: events, logger: logger.With("component", "session")}
}

// Open creates an active session, or reactivates one with the same id.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*types.ActiveSession, error) {
	const op = "session.open"
	if req.UserID == "" {
		return nil, apperr.Validation(op, "user id is required")
	}
	if !req.UserType.Valid() {
		return nil, apperr.Validation(op, "unknown user type %q", req.UserType)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &types.ActiveSession{
		ID:           req.SessionID,
		UserID:       req.UserID,
		UserType:     req.UserType,
		DeviceInfo:   req.DeviceInfo,
		StartedAt:    now,
		LastActivity: now,
		IsActive:     true,
		SyncStatus:   types.SessionSyncStatus{IsConnected: true},
	}
	var out *types.ActiveSession
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.UpsertSession(ctx, sess); err != nil {
			return err
		}
		var err error
		if out, err = q.GetSession(ctx, sess.ID); err != nil {
			return err
		}
		return r.audit(ctx, q, out, "session_opened")
	})
	if err != nil {
		return nil, r.fail(ctx, op, sess.ID, req.UserID, err)
	}

	r.logger.Info("session opened",
		"action", "session_opened",
		"session_id", out.ID,
		"user_id", out.UserID,
		"user_type", out.UserType,
	)
	return out, nil
}

// Heartbeat records activity on an active session along with its sync
// counters.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string, status types.SessionSyncStatus) (*types.ActiveSession, error) {
	const op = "session.heartbeat"
	if status.PendingOperations < 0 || status.ErrorCount < 0 {
		return nil, apperr.Validation(op, "sync counters must not be negative")
	}
	var out *types.ActiveSession
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.TouchSession(ctx, sessionID, status, time.Now().UTC()); err != nil {
			return err
		}
		var err error
		if out, err = q.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return r.audit(ctx, q, out, "session_heartbeat")
	})
	if err != nil {
		return nil, r.fail(ctx, op, sessionID, "", err)
	}
	return out, nil
}

// Close deactivates a session and stamps endedAt. closedBy is recorded
// as the actor of the audit event.
func (r *Registry) Close(ctx context.Context, sessionID, closedBy string) (*types.ActiveSession, error) {
	const op = "session.close"
	var out *types.ActiveSession
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.DeactivateSession(ctx, sessionID, time.Now().UTC()); err != nil {
			return err
		}
		var err error
		if out, err = q.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if closedBy == "" {
			closedBy = out.UserID
		}
		ev := sessionEvent(out, "session_closed")
		ev.ActorID = closedBy
		_, err = eventlog.AppendTx(ctx, q, ev)
		return err
	})
	if err != nil {
		return nil, r.fail(ctx, op, sessionID, closedBy, err)
	}

	r.logger.Info("session closed",
		"action", "session_closed",
		"session_id", out.ID,
		"closed_by", closedBy,
		"duration_ms", out.EndedAt.Sub(out.StartedAt).Milliseconds(),
	)
	return out, nil
}

// Get returns one session.
func (r *Registry) Get(ctx context.Context, sessionID string) (*types.ActiveSession, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, store.Classify("session.get", err)
	}
	return s, nil
}

// List returns matching sessions, most recently active first.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]types.ActiveSession, error) {
	sf := store.SessionFilter{UserID: f.UserID, UserType: f.UserType, Active: f.Active, Limit: f.Limit}
	if sf.Limit <= 0 {
		sf.Limit = DefaultListLimit
	}
	out, err := r.store.QuerySessions(ctx, sf)
	if err != nil {
		return nil, store.Classify("session.list", err)
	}
	if out == nil {
		out = []types.ActiveSession{}
	}
	return out, nil
}

// Idle returns sessions still flagged active whose last activity is
// older than threshold.
func (r *Registry) Idle(ctx context.Context, threshold time.Duration, limit int) ([]types.ActiveSession, error) {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	active := true
	out, err := r.store.QuerySessions(ctx, store.SessionFilter{
		Active:     &active,
		IdleBefore: time.Now().UTC().Add(-threshold),
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Classify("session.idle", err)
	}
	return out, nil
}

func sessionEvent(s *types.ActiveSession, kind string) types.SyncEvent {
	return types.SyncEvent{
		EntityType: types.EntityGlobal,
		Action:     types.ActionSync,
		ActorID:    s.UserID,
		Source:     types.SourceClient,
		Metadata: types.Data{
			types.MetaKind:       kind,
			"session_id":         s.ID,
			"user_type":          string(s.UserType),
			"is_active":          s.IsActive,
			"pending_operations": s.SyncStatus.PendingOperations,
			"error_count":        s.SyncStatus.ErrorCount,
		},
	}
}

func (r *Registry) audit(ctx context.Context, q *store.Queries, s *types.ActiveSession, kind string) error {
	_, err := eventlog.AppendTx(ctx, q, sessionEvent(s, kind))
	return err
}

func (r *Registry) fail(ctx context.Context, op, sessionID, actor string, err error) error {
	err = store.Classify(op, err)
	r.events.RecordFailure(ctx, types.SyncEvent{
		EntityType: types.EntityGlobal,
		Action:     types.ActionSync,
		ActorID:    actor,
		Source:     types.SourceClient,
		Metadata:   types.Data{types.MetaKind: op, "session_id": sessionID},
	}, err)
	return err
}
