package session

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, eventlog.New(s, nil), nil), s
}

func TestOpen_GeneratesIDAndAudits(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Open(ctx, OpenRequest{UserID: "trainer-7", UserType: types.UserTrainer, DeviceInfo: "ios"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.ID == "" || !sess.IsActive || sess.EndedAt != nil {
		t.Errorf("session = %+v", sess)
	}

	events, err := s.QueryEvents(ctx, store.EventFilter{ActorID: "trainer-7"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Metadata["session_id"] != sess.ID {
		t.Errorf("events = %+v", events)
	}
}

func TestOpen_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)
	cases := []OpenRequest{
		{UserType: types.UserMember},
		{UserID: "u1", UserType: "robot"},
	}
	for _, req := range cases {
		if _, err := r.Open(context.Background(), req); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Open(%+v) error = %v, want validation", req, err)
		}
	}
}

func TestHeartbeat_UpdatesCounters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Open(ctx, OpenRequest{SessionID: "s-1", UserID: "member-1", UserType: types.UserMember})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	synced := time.Now().UTC().Truncate(time.Millisecond)
	got, err := r.Heartbeat(ctx, sess.ID, types.SessionSyncStatus{
		IsConnected:       true,
		LastSync:          &synced,
		PendingOperations: 4,
		ErrorCount:        1,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if got.SyncStatus.PendingOperations != 4 || got.SyncStatus.ErrorCount != 1 {
		t.Errorf("sync status = %+v", got.SyncStatus)
	}
	if got.SyncStatus.LastSync == nil || !got.SyncStatus.LastSync.Equal(synced) {
		t.Errorf("last sync = %v, want %v", got.SyncStatus.LastSync, synced)
	}
	if got.LastActivity.Before(sess.LastActivity) {
		t.Errorf("last activity went backwards: %v < %v", got.LastActivity, sess.LastActivity)
	}
}

func TestClose_ThenHeartbeatRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Open(ctx, OpenRequest{SessionID: "s-1", UserID: "staff-1", UserType: types.UserStaff}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	closed, err := r.Close(ctx, "s-1", "")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.IsActive || closed.EndedAt == nil {
		t.Errorf("closed session = %+v", closed)
	}

	if _, err := r.Heartbeat(ctx, "s-1", types.SessionSyncStatus{}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Heartbeat after close error = %v, want validation", err)
	}
	if _, err := r.Close(ctx, "s-1", ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("second Close error = %v, want validation", err)
	}
	if _, err := r.Close(ctx, "missing", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Close missing error = %v, want not_found", err)
	}
}

func TestOpen_ReactivatesClosedSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	req := OpenRequest{SessionID: "s-1", UserID: "staff-1", UserType: types.UserStaff}
	if _, err := r.Open(ctx, req); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := r.Close(ctx, "s-1", ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	again, err := r.Open(ctx, req)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !again.IsActive || again.EndedAt != nil {
		t.Errorf("reopened session = %+v", again)
	}
}

func TestIdle_OnlyActiveSessionsPastThreshold(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given one stale active session, one fresh one, and one stale but closed
	for _, sess := range []types.ActiveSession{
		{ID: "stale", UserID: "u1", UserType: types.UserMember, StartedAt: now.Add(-2 * time.Hour), LastActivity: now.Add(-time.Hour)},
		{ID: "fresh", UserID: "u2", UserType: types.UserMember, StartedAt: now, LastActivity: now},
		{ID: "closed", UserID: "u3", UserType: types.UserMember, StartedAt: now.Add(-2 * time.Hour), LastActivity: now.Add(-time.Hour)},
	} {
		sess := sess
		if err := s.UpsertSession(ctx, &sess); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}
	if err := s.DeactivateSession(ctx, "closed", now); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}

	// When listing idle sessions
	idle, err := r.Idle(ctx, 30*time.Minute, 10)
	if err != nil {
		t.Fatalf("Idle failed: %v", err)
	}

	// Then only the stale active session is returned
	if len(idle) != 1 || idle[0].ID != "stale" {
		t.Errorf("idle = %+v, want only stale", idle)
	}
}

func TestList_FiltersByActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := r.Open(ctx, OpenRequest{SessionID: id, UserID: "u-" + id, UserType: types.UserMember}); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
	}
	if _, err := r.Close(ctx, "a", "admin-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	active := true
	got, err := r.List(ctx, ListFilter{Active: &active})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("active sessions = %+v", got)
	}
}
