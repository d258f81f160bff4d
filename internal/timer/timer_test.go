package timer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/ledger"
	"github.com/lbricheux/pointeuse/internal/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeLedger scripts the remote side: offline makes every call fail with a
// ConnectivityError, conflict makes StartTimer return the scripted entry.
type fakeLedger struct {
	offline  bool
	active   *entry.TimeEntry
	conflict *entry.TimeEntry
	nextID   int
	calls    []string
}

func (f *fakeLedger) fail() error {
	return &ledger.ConnectivityError{Err: errors.New("dial tcp: connection refused")}
}

func (f *fakeLedger) StartTimer(_ context.Context, req ledger.StartRequest) (*entry.TimeEntry, error) {
	f.calls = append(f.calls, "start")
	if f.offline {
		return nil, f.fail()
	}
	if f.conflict != nil {
		return nil, &ledger.ConflictError{Existing: f.conflict}
	}
	f.nextID++
	start, _ := time.Parse(time.RFC3339, req.StartTime)
	e := entry.New("u1", start)
	e.ID = fmt.Sprintf("srv-%d", f.nextID)
	e.ProjectID = req.ProjectID
	e.Description = req.Description
	f.active = e
	return e, nil
}

func (f *fakeLedger) transition(name, id string) (*entry.TimeEntry, error) {
	f.calls = append(f.calls, name)
	if f.offline {
		return nil, f.fail()
	}
	if f.active == nil || f.active.ID != id {
		return nil, ledger.ErrNotFound
	}
	return f.active, nil
}

func (f *fakeLedger) PauseTimer(_ context.Context, id string, _ time.Time) (*entry.TimeEntry, error) {
	return f.transition("pause", id)
}

func (f *fakeLedger) ResumeTimer(_ context.Context, id string, _ time.Time) (*entry.TimeEntry, error) {
	return f.transition("resume", id)
}

func (f *fakeLedger) StopTimer(_ context.Context, id string, _ time.Time) (*entry.TimeEntry, error) {
	return f.transition("stop", id)
}

func (f *fakeLedger) ActiveTimer(context.Context) (*entry.TimeEntry, error) {
	f.calls = append(f.calls, "active")
	if f.offline {
		return nil, f.fail()
	}
	return f.active, nil
}

func (f *fakeLedger) UpdateEntry(_ context.Context, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	f.calls = append(f.calls, "update")
	if f.offline {
		return nil, f.fail()
	}
	return e, nil
}

func (f *fakeLedger) DeleteEntry(_ context.Context, id string) error {
	f.calls = append(f.calls, "delete")
	if f.offline {
		return f.fail()
	}
	return nil
}

func newTestMachine(t *testing.T, f *fakeLedger) (*Machine, *queue.Store) {
	t.Helper()
	store, err := queue.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := New("u1", f, store, nil)
	return m, store
}

func setClock(m *Machine, at time.Time) {
	m.SetClock(func() time.Time { return at })
}

func TestStartOnline(t *testing.T) {
	f := &fakeLedger{}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	e, err := m.Start(context.Background(), StartOptions{ProjectID: "proj-a", Description: "maquettes"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if e.ID == "" {
		t.Error("online start should adopt the server id")
	}
	if e.OfflineID != "" {
		t.Error("online start must not assign an offlineId")
	}

	slot, err := store.LoadActiveTimer()
	if err != nil || slot == nil {
		t.Fatalf("slot not persisted: %v", err)
	}
	if slot.ID != e.ID {
		t.Errorf("slot id %q != entry id %q", slot.ID, e.ID)
	}
}

func TestStartOfflineQueuesAndAdvances(t *testing.T) {
	f := &fakeLedger{offline: true}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	e, err := m.Start(context.Background(), StartOptions{Description: "hors ligne"})
	if err != nil {
		t.Fatalf("offline start must not fail: %v", err)
	}
	if e.OfflineID == "" {
		t.Fatal("offline-born entry needs an offlineId")
	}
	if e.Status != entry.StatusRunning {
		t.Errorf("local state must advance, got %s", e.Status)
	}

	if n, _ := store.Len(); n != 1 {
		t.Errorf("expected one queued mutation, got %d", n)
	}
}

func TestStartAttachesToExistingActive(t *testing.T) {
	f := &fakeLedger{}
	m, _ := newTestMachine(t, f)
	setClock(m, t0)

	first, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	second, err := m.Start(context.Background(), StartOptions{Description: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Key() != first.Key() {
		t.Error("second start must attach to the existing timer, not create another")
	}
	// Only the first start reaches the ledger.
	starts := 0
	for _, c := range f.calls {
		if c == "start" {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("expected 1 remote start, got %d", starts)
	}
}

func TestStartAdoptsConflictWinner(t *testing.T) {
	otherDevice := entry.New("u1", t0.Add(-time.Hour))
	otherDevice.ID = "srv-existing"

	f := &fakeLedger{conflict: otherDevice}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	e, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("conflicting start should reconcile, not fail: %v", err)
	}
	if e.ID != "srv-existing" {
		t.Errorf("expected adoption of the pre-existing timer, got %+v", e)
	}
	if slot, _ := store.LoadActiveTimer(); slot == nil || slot.ID != "srv-existing" {
		t.Error("slot should hold the adopted timer")
	}
}

func TestPauseResumeStopOfflineDurations(t *testing.T) {
	f := &fakeLedger{offline: true}
	m, store := newTestMachine(t, f)
	ctx := context.Background()

	setClock(m, t0)
	if _, err := m.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}

	setClock(m, t0.Add(1800*time.Second))
	e, err := m.Pause(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e.Duration != 1800 || e.Status != entry.StatusPaused {
		t.Errorf("after pause: duration=%d status=%s", e.Duration, e.Status)
	}

	setClock(m, t0.Add(3600*time.Second))
	if _, err := m.Resume(ctx); err != nil {
		t.Fatal(err)
	}

	setClock(m, t0.Add(5400*time.Second))
	e, err = m.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e.Duration != 3600 {
		t.Errorf("expected 3600s tracked, got %d", e.Duration)
	}
	if e.EndTime == nil || !e.EndTime.Equal(t0.Add(5400*time.Second)) {
		t.Errorf("bad endTime: %v", e.EndTime)
	}

	if m.Active() != nil {
		t.Error("stop must clear the active-timer slot")
	}
	if slot, _ := store.LoadActiveTimer(); slot != nil {
		t.Error("persisted slot must be cleared after stop")
	}
	// One row: the final snapshot subsumes start/pause/resume.
	if n, _ := store.Len(); n != 1 {
		t.Errorf("expected one queued snapshot, got %d", n)
	}
}

func TestTransitionPreconditionsSurface(t *testing.T) {
	f := &fakeLedger{}
	m, store := newTestMachine(t, f)
	setClock(m, t0)
	ctx := context.Background()

	if _, err := m.Pause(ctx); !errors.Is(err, ErrNoActiveTimer) {
		t.Errorf("pause with no timer: expected ErrNoActiveTimer, got %v", err)
	}
	if _, err := m.Stop(ctx); !errors.Is(err, ErrNoActiveTimer) {
		t.Errorf("stop with no timer: expected ErrNoActiveTimer, got %v", err)
	}

	if _, err := m.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resume(ctx); !errors.Is(err, entry.ErrNotPaused) {
		t.Errorf("resume while running: expected ErrNotPaused, got %v", err)
	}

	// Precondition failures must not touch the queue.
	if n, _ := store.Len(); n != 0 {
		t.Errorf("queue should stay empty, has %d rows", n)
	}
}

func TestStartRejectsTwoTaskRefs(t *testing.T) {
	f := &fakeLedger{}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	if _, err := m.Start(context.Background(), StartOptions{PersonalTaskID: "a", SharedTaskID: "b"}); err == nil {
		t.Fatal("expected validation error for two task refs")
	}
	if n, _ := store.Len(); n != 0 {
		t.Error("validation failure must not enqueue anything")
	}
	if m.Active() != nil {
		t.Error("validation failure must not create local state")
	}
}

func TestRehydrateRemoteWins(t *testing.T) {
	f := &fakeLedger{}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	stale := entry.New("u1", t0.Add(-2*time.Hour))
	stale.ID = "srv-old"
	if err := store.SaveActiveTimer(stale); err != nil {
		t.Fatal(err)
	}

	remote := entry.New("u1", t0.Add(-10*time.Minute))
	remote.ID = "srv-new"
	f.active = remote

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Active() == nil || m.Active().ID != "srv-new" {
		t.Errorf("remote state should win on rehydrate, got %+v", m.Active())
	}
}

func TestRehydrateKeepsPendingOfflineEntry(t *testing.T) {
	f := &fakeLedger{} // online, but ledger has no active timer
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	pending := entry.New("u1", t0.Add(-5*time.Minute))
	pending.OfflineID = "off-1"
	if err := store.SaveActiveTimer(pending); err != nil {
		t.Fatal(err)
	}

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Active() == nil || m.Active().OfflineID != "off-1" {
		t.Error("an offline-born entry the server never saw must survive rehydrate")
	}
}

func TestRehydrateOfflineKeepsLocal(t *testing.T) {
	f := &fakeLedger{offline: true}
	m, store := newTestMachine(t, f)
	setClock(m, t0)

	local := entry.New("u1", t0.Add(-time.Minute))
	local.ID = "srv-1"
	if err := store.SaveActiveTimer(local); err != nil {
		t.Fatal(err)
	}

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatalf("connectivity failure must be absorbed: %v", err)
	}
	if m.Active() == nil || m.Active().ID != "srv-1" {
		t.Error("local snapshot should survive when ledger is unreachable")
	}
}

func TestPauseNotFoundTriggersResync(t *testing.T) {
	f := &fakeLedger{}
	m, _ := newTestMachine(t, f)
	setClock(m, t0)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	// The entry vanishes server-side (deleted from another device).
	f.active = nil

	setClock(m, t0.Add(time.Minute))
	_, err := m.Pause(ctx)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound surfaced, got %v", err)
	}
	if m.Active() != nil {
		t.Error("resync should have cleared the vanished timer")
	}
}

func TestElapsedFormula(t *testing.T) {
	f := &fakeLedger{offline: true}
	m, _ := newTestMachine(t, f)
	ctx := context.Background()

	setClock(m, t0)
	if _, err := m.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}

	setClock(m, t0.Add(42*time.Second))
	if got := m.Elapsed(); got != 42 {
		t.Errorf("running elapsed: expected 42, got %d", got)
	}

	if _, err := m.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	setClock(m, t0.Add(10*time.Hour))
	if got := m.Elapsed(); got != 42 {
		t.Errorf("paused elapsed frozen at 42, got %d", got)
	}
}
