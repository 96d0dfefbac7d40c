package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

func newTestLog(t *testing.T) (*Log, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func TestAppend_AssignsIDAndDefaults(t *testing.T) {
	l, _ := newTestLog(t)

	ev, err := l.Append(context.Background(), types.SyncEvent{
		EntityType: types.EntityUsers,
		EntityID:   "u-1",
		Action:     types.ActionCreate,
		ActorID:    "staff-1",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if ev.ID == "" {
		t.Error("ID not assigned")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not assigned")
	}
	if ev.Source != types.SourceInternal {
		t.Errorf("Source = %q, want internal", ev.Source)
	}
}

func TestAppend_RejectsInvalid(t *testing.T) {
	l, s := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   types.SyncEvent
	}{
		{"unknown entity type", types.SyncEvent{EntityType: "lockers", Action: types.ActionCreate}},
		{"unknown action", types.SyncEvent{EntityType: types.EntityUsers, Action: "upsert"}},
		{"unknown source", types.SyncEvent{EntityType: types.EntityUsers, Action: types.ActionCreate, Source: "fax"}},
		{"unknown resolution", types.SyncEvent{EntityType: types.EntityUsers, Action: types.ActionConflict, ConflictResolution: "coin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.ev)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}

	// Then: nothing was partially written
	n, _ := s.CountEvents(ctx, store.EventFilter{})
	if n != 0 {
		t.Errorf("event count = %d, want 0", n)
	}
}

func TestHistory_ScopedToRecord(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, types.SyncEvent{EntityType: types.EntityClients, EntityID: "c-1", Action: types.ActionUpdate}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := l.Append(ctx, types.SyncEvent{EntityType: types.EntityClients, EntityID: "c-2", Action: types.ActionUpdate}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := l.History(ctx, types.EntityClients, "c-1", 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, ev := range got {
		if ev.EntityID != "c-1" {
			t.Errorf("EntityID = %s, want c-1", ev.EntityID)
		}
	}
}

func TestCleanup_KeepsUnresolvedConflicts(t *testing.T) {
	l, s := newTestLog(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -60)

	conflict, _ := l.Append(ctx, types.SyncEvent{EntityType: types.EntityOrders, EntityID: "o-1", Action: types.ActionConflict, Timestamp: old})
	l.Append(ctx, types.SyncEvent{EntityType: types.EntityOrders, EntityID: "o-1", Action: types.ActionUpdate, Timestamp: old})

	n, err := l.Cleanup(ctx, 30, true)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetEvent(ctx, conflict.ID); err != nil {
		t.Errorf("unresolved conflict event was deleted: %v", err)
	}

	// Without keepConflicts the conflict goes too
	n, err = l.Cleanup(ctx, 30, false)
	if err != nil || n != 1 {
		t.Errorf("second cleanup = %d, %v; want 1", n, err)
	}
}

func TestCleanup_RejectsNonPositiveDays(t *testing.T) {
	l, _ := newTestLog(t)
	if _, err := l.Cleanup(context.Background(), 0, true); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestExport_Projection(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	l.Append(ctx, types.SyncEvent{
		EntityType: types.EntityMemberships,
		EntityID:   "m-1",
		Action:     types.ActionUpdate,
		NewData:    types.Data{"tier": "gold"},
		Metadata:   types.Data{"note": "upgrade"},
	})
	l.Append(ctx, types.SyncEvent{EntityType: types.EntityUsers, EntityID: "u-1", Action: types.ActionCreate})

	r := types.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)}

	bare, err := l.Export(ctx, types.EntityMemberships, r, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if bare.Count != 1 || bare.Events[0].NewData != nil || bare.Events[0].Metadata != nil {
		t.Errorf("bare export = %+v", bare)
	}

	full, err := l.Export(ctx, "", r, true)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if full.Count != 2 {
		t.Fatalf("Count = %d, want 2", full.Count)
	}
	for _, row := range full.Events {
		if row.EntityType == string(types.EntityMemberships) && row.NewData["tier"] != "gold" {
			t.Errorf("NewData = %v", row.NewData)
		}
	}
}

func TestRecordFailure_AnnotatesKind(t *testing.T) {
	l, s := newTestLog(t)
	ctx := context.Background()

	cause := apperr.Policy("conflict.write", "sync disabled for users")
	l.RecordFailure(ctx, types.SyncEvent{EntityType: types.EntityUsers, EntityID: "u-1", Action: types.ActionUpdate}, cause)

	events, err := s.QueryEvents(ctx, store.EventFilter{FailedOnly: true})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("failed events = %d, want 1", len(events))
	}
	if events[0].Metadata[types.MetaErrorKind] != string(apperr.KindPolicy) {
		t.Errorf("Metadata = %v", events[0].Metadata)
	}
	if events[0].ErrorMessage != cause.Error() {
		t.Errorf("ErrorMessage = %q", events[0].ErrorMessage)
	}
}
