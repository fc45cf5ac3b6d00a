package switches

import (
	"context"
	"strings"
	"testing"
)

func TestIndexTracksTransitions(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	armed := mustCreate(t, service, CreateRequest{})
	disarmed := mustCreate(t, service, CreateRequest{})
	triggered := mustCreate(t, service, CreateRequest{Owner: "other"})

	if _, err := service.Disarm(context.Background(), testOwner, disarmed.ID); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}
	if _, err := service.Trigger(context.Background(), triggered.ID); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	ids, err := service.ArmedSwitchIDs(context.Background())
	if err != nil {
		t.Fatalf("armed ids failed: %v", err)
	}
	if strings.Join(ids, ",") != armed.ID {
		t.Fatalf("unexpected armed ids %v", ids)
	}
	owned, err := service.ListIDs(context.Background(), OwnedBy(testOwner))
	if err != nil {
		t.Fatalf("owned ids failed: %v", err)
	}
	if strings.Join(owned, ",") != armed.ID+","+disarmed.ID {
		t.Fatalf("unexpected owned ids %v", owned)
	}
	idx, err := service.loadIndex(context.Background())
	if err != nil {
		t.Fatalf("load index failed: %v", err)
	}
	if idx[triggered.ID].State != StateTriggered || idx[triggered.ID].Owner != "other" {
		t.Fatalf("unexpected index entry %#v", idx[triggered.ID])
	}
}

func TestCorruptIndexIsTreatedAsEmpty(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store, newManualClock(testEpoch))
	if err := store.Put(context.Background(), indexKey, "{not json"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ids, err := service.ListIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("list ids failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty scan, got %v", ids)
	}

	sw := mustCreate(t, service, CreateRequest{})
	ids, _ = service.ArmedSwitchIDs(context.Background())
	if strings.Join(ids, ",") != sw.ID {
		t.Fatalf("create must repair a corrupt index, got %v", ids)
	}
}

func TestRebuildIndexRestoresEntriesFromRecords(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store, newManualClock(testEpoch))
	armed := mustCreate(t, service, CreateRequest{})
	disarmed := mustCreate(t, service, CreateRequest{})
	if _, err := service.Disarm(context.Background(), testOwner, disarmed.ID); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}
	if err := store.Put(context.Background(), indexKey, "{}"); err != nil {
		t.Fatalf("reset index failed: %v", err)
	}

	count, err := service.RebuildIndex(context.Background())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two indexed switches, got %d", count)
	}
	ids, _ := service.ArmedSwitchIDs(context.Background())
	if strings.Join(ids, ",") != armed.ID {
		t.Fatalf("unexpected armed ids after rebuild %v", ids)
	}
	idx, _ := service.loadIndex(context.Background())
	if idx[disarmed.ID].State != StateDisarmed {
		t.Fatalf("rebuild must use the record state, got %#v", idx[disarmed.ID])
	}
}

func TestReconcileIndexOverwritesStaleEntry(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store, newManualClock(testEpoch))
	sw := mustCreate(t, service, CreateRequest{})
	if _, err := service.Disarm(context.Background(), testOwner, sw.ID); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}
	if err := store.Apply(context.Background(), kvstoreBatch(service.indexPut(sw.ID, sw.Owner, StateArmed))); err != nil {
		t.Fatalf("stale index write failed: %v", err)
	}
	ids, _ := service.ArmedSwitchIDs(context.Background())
	if len(ids) != 1 {
		t.Fatalf("expected the stale armed entry, got %v", ids)
	}

	stored, _, _ := service.Get(context.Background(), sw.ID)
	if err := service.ReconcileIndex(context.Background(), stored); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	ids, _ = service.ArmedSwitchIDs(context.Background())
	if len(ids) != 0 {
		t.Fatalf("reconcile must clear the stale entry, got %v", ids)
	}
}
