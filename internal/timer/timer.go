// Package timer owns the single active timer for the current user. It
// turns user intents into entry mutations: the remote ledger is attempted
// first, and any connectivity failure falls back to the offline queue while
// the local transition proceeds. The machine never blocks on the network
// beyond one bounded call.
package timer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/ledger"
	"github.com/lbricheux/pointeuse/internal/queue"
)

// ErrNoActiveTimer means a transition was requested with no running or
// paused entry. It is a precondition failure: nothing is mutated.
var ErrNoActiveTimer = errors.New("no active timer")

// Ledger is the slice of the remote API the state machine needs.
type Ledger interface {
	StartTimer(ctx context.Context, req ledger.StartRequest) (*entry.TimeEntry, error)
	PauseTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error)
	ResumeTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error)
	StopTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error)
	ActiveTimer(ctx context.Context) (*entry.TimeEntry, error)
	UpdateEntry(ctx context.Context, e *entry.TimeEntry) (*entry.TimeEntry, error)
	DeleteEntry(ctx context.Context, id string) error
}

// StartOptions carry the optional attributes of a new timer.
type StartOptions struct {
	ProjectID      string
	PersonalTaskID string
	SharedTaskID   string
	Description    string
}

// Machine is the client-resident timer state machine.
type Machine struct {
	userID string
	ledger Ledger
	store  *queue.Store
	logger *slog.Logger
	now    func() time.Time

	active *entry.TimeEntry
}

func New(userID string, l Ledger, store *queue.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		userID: userID,
		ledger: l,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the machine's clock. Tests pin it.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Active returns the current active timer, or nil.
func (m *Machine) Active() *entry.TimeEntry {
	return m.active
}

// Rehydrate reconstructs the active-timer slot on session start: the local
// snapshot is loaded first, then the ledger is consulted. When reachable
// the ledger wins, except for an offline-born entry the server has never
// seen — that one stays until the reconciler delivers it.
func (m *Machine) Rehydrate(ctx context.Context) error {
	local, err := m.store.LoadActiveTimer()
	if err != nil {
		m.logger.Warn("loading active timer snapshot", "error", err)
	}
	m.active = local

	remote, err := m.ledger.ActiveTimer(ctx)
	if err != nil {
		if ledger.IsConnectivity(err) {
			m.logger.Debug("ledger unreachable during rehydrate, keeping local state")
			return nil
		}
		return fmt.Errorf("querying active timer: %w", err)
	}

	switch {
	case remote != nil:
		m.adopt(remote)
	case local != nil && local.ID == "" && local.OfflineID != "":
		// Pending offline entry; keep it.
	default:
		m.clearSlot()
	}
	return nil
}

// Start opens a timer. When an active timer already exists — locally or on
// the ledger via another device — Start attaches to it instead of creating
// a second concurrent one.
func (m *Machine) Start(ctx context.Context, opts StartOptions) (*entry.TimeEntry, error) {
	if opts.PersonalTaskID != "" && opts.SharedTaskID != "" {
		return nil, errors.New("at most one task reference is allowed")
	}
	if m.active != nil && m.active.Active() {
		return m.active, nil
	}

	now := m.now()
	local := entry.New(m.userID, now)
	local.ProjectID = opts.ProjectID
	local.PersonalTaskID = opts.PersonalTaskID
	local.SharedTaskID = opts.SharedTaskID
	local.Description = opts.Description

	created, err := m.ledger.StartTimer(ctx, ledger.StartRequest{
		ProjectID:      opts.ProjectID,
		PersonalTaskID: opts.PersonalTaskID,
		SharedTaskID:   opts.SharedTaskID,
		Description:    opts.Description,
		StartTime:      now.UTC().Format(time.RFC3339),
	})
	switch {
	case err == nil:
		m.adopt(created)
		return m.active, nil
	case isConflict(err):
		existing := conflictEntry(err)
		if existing != nil {
			m.logger.Info("adopting active timer from another session", "id", existing.ID)
			m.adopt(existing)
			return m.active, nil
		}
		return nil, err
	case ledger.IsConnectivity(err):
		m.enqueue(queue.KindStart, local)
		m.adopt(local)
		return m.active, nil
	default:
		return nil, err
	}
}

// Pause folds the open running interval into the entry's duration.
func (m *Machine) Pause(ctx context.Context) (*entry.TimeEntry, error) {
	if m.active == nil {
		return nil, ErrNoActiveTimer
	}
	if m.active.Status != entry.StatusRunning {
		return nil, entry.ErrNotRunning
	}

	now := m.now()
	apply := func(e *entry.TimeEntry) error { return e.Pause(now) }
	remote := func() error {
		_, err := m.ledger.PauseTimer(ctx, m.active.ID, now)
		return err
	}
	return m.transition(ctx, queue.KindPause, apply, remote)
}

// Resume reopens a paused timer; the paused gap contributes nothing.
func (m *Machine) Resume(ctx context.Context) (*entry.TimeEntry, error) {
	if m.active == nil {
		return nil, ErrNoActiveTimer
	}
	if m.active.Status != entry.StatusPaused {
		return nil, entry.ErrNotPaused
	}

	now := m.now()
	apply := func(e *entry.TimeEntry) error { return e.Resume(now) }
	remote := func() error {
		_, err := m.ledger.ResumeTimer(ctx, m.active.ID, now)
		return err
	}
	return m.transition(ctx, queue.KindResume, apply, remote)
}

// Stop finalizes the active entry and frees the active-timer slot.
func (m *Machine) Stop(ctx context.Context) (*entry.TimeEntry, error) {
	if m.active == nil {
		return nil, ErrNoActiveTimer
	}

	now := m.now()
	apply := func(e *entry.TimeEntry) error { return e.Stop(now) }
	remote := func() error {
		_, err := m.ledger.StopTimer(ctx, m.active.ID, now)
		return err
	}
	stopped, err := m.transition(ctx, queue.KindStop, apply, remote)
	if err != nil {
		return nil, err
	}
	m.clearSlot()
	return stopped, nil
}

// transition runs one pause/resume/stop step: remote call first when the
// entry has a server identity, then the local mutation. Connectivity
// failures queue the post-transition snapshot; NotFound triggers a resync.
func (m *Machine) transition(ctx context.Context, kind queue.Kind, apply func(*entry.TimeEntry) error, remote func() error) (*entry.TimeEntry, error) {
	queued := false
	if m.active.ID != "" {
		if err := remote(); err != nil {
			switch {
			case ledger.IsConnectivity(err):
				queued = true
			case errors.Is(err, ledger.ErrNotFound):
				m.logger.Warn("active timer vanished server-side, resyncing", "id", m.active.ID)
				if rerr := m.Rehydrate(ctx); rerr != nil {
					m.logger.Warn("resync after not-found failed", "error", rerr)
				}
				return nil, err
			default:
				return nil, err
			}
		}
	} else {
		// Offline-born entry the ledger has never seen; the snapshot replay
		// carries the whole history, so no remote call is attempted.
		queued = true
	}

	if err := apply(m.active); err != nil {
		return nil, err
	}
	if queued {
		m.enqueue(kind, m.active)
	}
	m.saveSlot()
	return m.active, nil
}

// Update amends an entry (description, project, or an explicit duration
// edit). The entry may be stopped; amendments queue like transitions.
func (m *Machine) Update(ctx context.Context, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if e.ID != "" {
		updated, err := m.ledger.UpdateEntry(ctx, e)
		switch {
		case err == nil:
			e = updated
		case ledger.IsConnectivity(err):
			m.enqueue(queue.KindUpdate, e)
		case errors.Is(err, ledger.ErrNotFound):
			return nil, err
		default:
			return nil, err
		}
	} else {
		m.enqueue(queue.KindUpdate, e)
	}

	if m.active != nil && m.active.Key() == e.Key() {
		m.active = e.Clone()
		m.saveSlot()
	}
	return e, nil
}

// Delete removes an entry. An offline-born entry the ledger never saw is
// simply dropped from the queue; nothing needs to reach the server.
func (m *Machine) Delete(ctx context.Context, e *entry.TimeEntry) error {
	if e.ID == "" {
		if e.OfflineID != "" {
			if err := m.store.Remove(e.OfflineID); err != nil {
				m.logger.Warn("removing queued mutation", "offlineId", e.OfflineID, "error", err)
			}
		}
	} else {
		err := m.ledger.DeleteEntry(ctx, e.ID)
		switch {
		case err == nil:
		case ledger.IsConnectivity(err):
			m.enqueue(queue.KindDelete, e)
		case errors.Is(err, ledger.ErrNotFound):
			// Already gone; treat as done.
		default:
			return err
		}
	}

	if m.active != nil && m.active.Key() == e.Key() {
		m.clearSlot()
	}
	return nil
}

// Elapsed returns the active timer's tracked seconds as of the machine's
// clock, or 0 when idle.
func (m *Machine) Elapsed() int64 {
	if m.active == nil {
		return 0
	}
	return m.active.Elapsed(m.now())
}

func (m *Machine) adopt(e *entry.TimeEntry) {
	m.active = e.Clone()
	m.saveSlot()
}

func (m *Machine) saveSlot() {
	if err := m.store.SaveActiveTimer(m.active); err != nil {
		// Durability is degraded, not correctness; in-memory state stands.
		m.logger.Warn("persisting active timer snapshot", "error", err)
	}
}

func (m *Machine) clearSlot() {
	m.active = nil
	if err := m.store.ClearActiveTimer(); err != nil {
		m.logger.Warn("clearing active timer snapshot", "error", err)
	}
}

func (m *Machine) enqueue(kind queue.Kind, e *entry.TimeEntry) {
	if _, err := m.store.Enqueue(kind, e); err != nil {
		m.logger.Warn("staging offline mutation", "kind", kind, "error", err)
	}
}

func isConflict(err error) bool {
	var ce *ledger.ConflictError
	return errors.As(err, &ce)
}

func conflictEntry(err error) *entry.TimeEntry {
	var ce *ledger.ConflictError
	if errors.As(err, &ce) {
		return ce.Existing
	}
	return nil
}
