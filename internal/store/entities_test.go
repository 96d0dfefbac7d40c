package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/fitsync/internal/types"
)

func TestPatchEntity_BumpsVersionAndClearsDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: a freshly inserted, dirty client at version 1
	rec, err := s.InsertEntity(ctx, types.EntityClients, "", types.Data{"name": "Ada", "plan": "basic"})
	if err != nil {
		t.Fatalf("InsertEntity failed: %v", err)
	}
	if rec.Version != 1 || !rec.IsDirty {
		t.Fatalf("inserted record = v%d dirty=%v, want v1 dirty=true", rec.Version, rec.IsDirty)
	}

	// When: it is patched at the expected version
	patched, err := s.PatchEntity(ctx, types.EntityClients, rec.ID, types.Data{"plan": "premium"}, 1)
	if err != nil {
		t.Fatalf("PatchEntity failed: %v", err)
	}

	// Then: version is 2, dirty is cleared and fields are merged
	got, err := s.GetEntity(ctx, types.EntityClients, rec.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	for _, r := range []*types.EntityRecord{patched, got} {
		if r.Version != 2 {
			t.Errorf("Version = %d, want 2", r.Version)
		}
		if r.IsDirty {
			t.Error("IsDirty = true, want false")
		}
		if r.LastSync == nil {
			t.Error("LastSync not stamped")
		}
		if r.Data["name"] != "Ada" || r.Data["plan"] != "premium" {
			t.Errorf("Data = %v", r.Data)
		}
	}
}

func TestPatchEntity_StaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _ := s.InsertEntity(ctx, types.EntityUsers, "u-1", types.Data{"email": "a@example.com"})
	if _, err := s.PatchEntity(ctx, types.EntityUsers, rec.ID, types.Data{"email": "b@example.com"}, 1); err != nil {
		t.Fatalf("first patch failed: %v", err)
	}

	// When: a second writer still targets version 1
	current, err := s.PatchEntity(ctx, types.EntityUsers, rec.ID, types.Data{"email": "c@example.com"}, 1)

	// Then: the patch is rejected and the stored state is returned
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if current == nil || current.Version != 2 || current.Data["email"] != "b@example.com" {
		t.Errorf("current = %+v, want stored v2 record", current)
	}
}

func TestInsertEntity_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertEntity(ctx, types.EntityOrders, "o-1", nil); err != nil {
		t.Fatalf("InsertEntity failed: %v", err)
	}
	_, err := s.InsertEntity(ctx, types.EntityOrders, "o-1", nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestEntity_UnknownCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []types.EntityType{types.EntityGlobal, "towels"}
	for _, et := range tests {
		if _, err := s.GetEntity(ctx, et, "x"); !errors.Is(err, ErrUnknownCollection) {
			t.Errorf("GetEntity(%q) err = %v, want ErrUnknownCollection", et, err)
		}
	}
}

func TestEveryStoredEntityTypeHasCollection(t *testing.T) {
	for _, et := range types.StoredEntityTypes() {
		if _, err := collectionFor(et); err != nil {
			t.Errorf("collectionFor(%q) = %v", et, err)
		}
	}
}

func TestDeleteEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _ := s.InsertEntity(ctx, types.EntityWorkouts, "", types.Data{"kind": "hiit"})
	if err := s.DeleteEntity(ctx, types.EntityWorkouts, rec.ID); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if _, err := s.GetEntity(ctx, types.EntityWorkouts, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEntity(ctx, types.EntityWorkouts, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteEntity err = %v, want ErrNotFound", err)
	}
}

func TestListEntities_DirtyAndUnsynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.InsertEntity(ctx, types.EntityTrainers, "t-a", nil)
	b, _ := s.InsertEntity(ctx, types.EntityTrainers, "t-b", nil)
	if _, err := s.PatchEntity(ctx, types.EntityTrainers, a.ID, types.Data{"bio": "x"}, 1); err != nil {
		t.Fatalf("PatchEntity failed: %v", err)
	}

	all, err := s.ListEntities(ctx, types.EntityTrainers, EntityFilter{})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	dirty, err := s.ListEntities(ctx, types.EntityTrainers, EntityFilter{DirtyOnly: true})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(dirty) != 1 || dirty[0].ID != b.ID {
		t.Errorf("dirty = %+v, want only %s", dirty, b.ID)
	}

	stats, err := s.EntityStats(ctx, types.EntityTrainers)
	if err != nil {
		t.Fatalf("EntityStats failed: %v", err)
	}
	if stats.Total != 2 || stats.Dirty != 1 || stats.LastSync == nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertEntity(ctx, types.EntityPayments, "p-1", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if _, err := s.GetEntity(ctx, types.EntityPayments, "p-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("insert survived rollback: err = %v", err)
	}
}
