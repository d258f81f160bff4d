package queue

import (
	"testing"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var qt0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestEnqueueAssignsOfflineID(t *testing.T) {
	s := openTestStore(t)
	e := entry.New("u1", qt0)

	m, err := s.Enqueue(KindStart, e)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if e.OfflineID == "" {
		t.Fatal("expected offlineId assigned to entry")
	}
	if m.OfflineID != e.OfflineID {
		t.Errorf("mutation key %q != entry offlineId %q", m.OfflineID, e.OfflineID)
	}
}

func TestEnqueueKeepsExistingIdentity(t *testing.T) {
	s := openTestStore(t)
	e := entry.New("u1", qt0)
	e.ID = "srv-1"

	m, err := s.Enqueue(KindUpdate, e)
	if err != nil {
		t.Fatal(err)
	}
	if e.OfflineID != "" {
		t.Error("entry with canonical id must not get an offlineId")
	}
	if m.OfflineID == "" {
		t.Error("mutation still needs a correlation key")
	}
	if m.Entry.ID != "srv-1" {
		t.Errorf("snapshot lost canonical id: %q", m.Entry.ID)
	}
}

func TestLatestSnapshotSubsumesEarlier(t *testing.T) {
	s := openTestStore(t)
	e := entry.New("u1", qt0)

	if _, err := s.Enqueue(KindStart, e); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(qt0.Add(600 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(KindPause, e); err != nil {
		t.Fatal(err)
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one row per entry, got %d", len(pending))
	}
	if pending[0].Kind != KindPause {
		t.Errorf("expected latest kind pause, got %s", pending[0].Kind)
	}
	if pending[0].Entry.Duration != 600 {
		t.Errorf("snapshot should carry folded duration 600, got %d", pending[0].Entry.Duration)
	}
}

func TestAckRemovesAndUpgradesSlot(t *testing.T) {
	s := openTestStore(t)
	e := entry.New("u1", qt0)

	if _, err := s.Enqueue(KindStart, e); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveActiveTimer(e); err != nil {
		t.Fatal(err)
	}

	if err := s.Ack(e.OfflineID, "srv-99"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if n, _ := s.Len(); n != 0 {
		t.Errorf("expected empty queue after ack, got %d", n)
	}

	slot, err := s.LoadActiveTimer()
	if err != nil {
		t.Fatal(err)
	}
	if slot == nil {
		t.Fatal("slot vanished after ack")
	}
	if slot.ID != "srv-99" {
		t.Errorf("slot should carry canonical id, got %q", slot.ID)
	}
	if !slot.SyncedFromOffline {
		t.Error("slot should be marked syncedFromOffline")
	}
	if slot.OfflineID != e.OfflineID {
		t.Error("offlineId must be retained as dedup key")
	}
}

func TestActiveTimerSlotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	slot, err := s.LoadActiveTimer()
	if err != nil {
		t.Fatal(err)
	}
	if slot != nil {
		t.Fatal("fresh store should have an empty slot")
	}

	e := entry.New("u1", qt0)
	e.ProjectID = "proj-a"
	e.Description = "réunion client"
	if err := e.Pause(qt0.Add(90 * time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveActiveTimer(e); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadActiveTimer()
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != e.Description || got.Duration != 90 || got.Status != entry.StatusPaused {
		t.Errorf("slot round-trip mismatch: %+v", got)
	}
	if !got.StartTime.Equal(e.StartTime) {
		t.Errorf("startTime mismatch: %v != %v", got.StartTime, e.StartTime)
	}
	if len(got.PausedAt) != 1 {
		t.Errorf("audit array lost: %d", len(got.PausedAt))
	}

	if err := s.ClearActiveTimer(); err != nil {
		t.Fatal(err)
	}
	if slot, _ := s.LoadActiveTimer(); slot != nil {
		t.Error("slot not cleared")
	}
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		e := entry.New("u1", qt0.Add(time.Duration(i)*time.Hour))
		end := qt0.Add(time.Duration(i)*time.Hour + time.Minute)
		e.EndTime = &end
		e.Status = entry.StatusStopped
		e.Duration = 60
		if _, err := s.Enqueue(KindStop, e); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Error("pending mutations not ordered oldest first")
		}
	}
}
