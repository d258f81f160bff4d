package ledgerserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/ledger"
	"github.com/lbricheux/pointeuse/internal/report"
)

var (
	ErrInvalidPeriod = errors.New("invalid date range")
	ErrInvalidEntry  = errors.New("invalid entry")
)

// ConflictError reports an active-timer collision. Existing is the entry
// the ledger kept; it is authoritative and the caller must reconcile to it.
type ConflictError struct {
	Existing *entry.TimeEntry
}

func (e *ConflictError) Error() string {
	return "an active timer already exists for this user"
}

// Service implements the ledger semantics on top of the repository: timer
// transitions, entry CRUD, batch sync with offline-id dedup, and reports.
type Service struct {
	repo   *Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo *Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Start opens a timer for the user. A replayed offline start dedups on its
// offline id; a collision with an existing active timer returns a
// ConflictError carrying the pre-existing timer.
func (s *Service) Start(ctx context.Context, userID string, req ledger.StartRequest) (*entry.TimeEntry, error) {
	if req.PersonalTaskID != "" && req.SharedTaskID != "" {
		return nil, fmt.Errorf("%w: at most one task reference", ErrInvalidEntry)
	}
	if req.OfflineID != "" {
		if existing, err := s.repo.GetByOfflineID(ctx, userID, req.OfflineID); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
	}

	if active, err := s.repo.GetActive(ctx, userID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &ConflictError{Existing: active}
	}

	start := s.now()
	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%w: bad startTime %q", ErrInvalidEntry, req.StartTime)
		}
		start = t
	}

	e := entry.New(userID, start)
	e.ID = uuid.NewString()
	e.OfflineID = req.OfflineID
	e.ProjectID = req.ProjectID
	e.PersonalTaskID = req.PersonalTaskID
	e.SharedTaskID = req.SharedTaskID
	e.Description = req.Description
	e.SyncedFromOffline = req.OfflineID != ""

	if err := s.repo.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrActiveConstraint) {
			// Lost a race with a concurrent start; hand back the winner.
			if active, gerr := s.repo.GetActive(ctx, userID); gerr == nil && active != nil {
				return nil, &ConflictError{Existing: active}
			}
		}
		return nil, err
	}
	return e, nil
}

// Pause, Resume and Stop apply the timer transition at the client-pinned
// instant so the stored duration matches what the client computed.

func (s *Service) Pause(ctx context.Context, userID, id string, at time.Time) (*entry.TimeEntry, error) {
	return s.transition(ctx, userID, id, at, (*entry.TimeEntry).Pause)
}

func (s *Service) Resume(ctx context.Context, userID, id string, at time.Time) (*entry.TimeEntry, error) {
	return s.transition(ctx, userID, id, at, (*entry.TimeEntry).Resume)
}

func (s *Service) Stop(ctx context.Context, userID, id string, at time.Time) (*entry.TimeEntry, error) {
	return s.transition(ctx, userID, id, at, (*entry.TimeEntry).Stop)
}

func (s *Service) transition(ctx context.Context, userID, id string, at time.Time, apply func(*entry.TimeEntry, time.Time) error) (*entry.TimeEntry, error) {
	e, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	if err := apply(e, at); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Active returns the user's current running or paused entry, or nil.
func (s *Service) Active(ctx context.Context, userID string) (*entry.TimeEntry, error) {
	return s.repo.GetActive(ctx, userID)
}

// Create stores a complete entry (a manual amendment of history, typically
// stopped). Creating an active entry goes through the same collision check
// as Start.
func (s *Service) Create(ctx context.Context, userID string, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	e.UserID = userID
	if e.Date == "" {
		e.Date = e.StartTime.UTC().Format(entry.DateFormat)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Active() {
		if active, err := s.repo.GetActive(ctx, userID); err != nil {
			return nil, err
		} else if active != nil {
			return nil, &ConflictError{Existing: active}
		}
	}
	e.ID = uuid.NewString()
	if err := s.repo.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Update rewrites an existing entry after validation.
func (s *Service) Update(ctx context.Context, userID string, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	e.UserID = userID
	if e.Date == "" {
		e.Date = e.StartTime.UTC().Format(entry.DateFormat)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.repo.Delete(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, userID, from, to string) ([]entry.TimeEntry, error) {
	return s.repo.List(ctx, userID, from, to)
}

// Sync replays a batch of queued offline mutations. Each mutation carries
// a full entry snapshot keyed by its offline id, so applying one is
// self-contained and applying it twice changes nothing.
func (s *Service) Sync(ctx context.Context, userID string, mutations []ledger.BatchMutation) []ledger.SyncResult {
	results := make([]ledger.SyncResult, 0, len(mutations))
	for _, m := range mutations {
		results = append(results, s.syncOne(ctx, userID, m))
	}
	return results
}

func (s *Service) syncOne(ctx context.Context, userID string, m ledger.BatchMutation) ledger.SyncResult {
	res := ledger.SyncResult{OfflineID: m.OfflineID}

	snap := m.Entry
	snap.UserID = userID
	snap.OfflineID = m.OfflineID
	snap.SyncedFromOffline = true
	if snap.Date == "" {
		snap.Date = snap.StartTime.UTC().Format(entry.DateFormat)
	}

	if m.Kind == ledger.KindDelete {
		target := snap.ID
		if target == "" {
			if existing, err := s.repo.GetByOfflineID(ctx, userID, m.OfflineID); err == nil {
				target = existing.ID
			}
		}
		if target != "" {
			if err := s.repo.Delete(ctx, userID, target); err != nil && !errors.Is(err, ErrEntryNotFound) {
				s.logger.Warn("sync delete failed", "offlineId", m.OfflineID, "error", err)
			}
		}
		res.Status = ledger.SyncApplied
		return res
	}

	if err := snap.Validate(); err != nil {
		s.logger.Warn("rejecting invalid sync snapshot", "offlineId", m.OfflineID, "error", err)
		res.Status = ledger.SyncInvalid
		return res
	}

	// An entry started online carries its canonical id; address the row
	// directly. Offline correlation only identifies entries born offline.
	if snap.ID != "" {
		existing, err := s.repo.GetByID(ctx, userID, snap.ID)
		switch {
		case err == nil:
			if sameSnapshot(existing, &snap) {
				res.Status = ledger.SyncDuplicate
				res.ID = existing.ID
				return res
			}
			snap.OfflineID = existing.OfflineID
			if err := s.repo.Update(ctx, &snap); err != nil {
				if errors.Is(err, ErrActiveConstraint) {
					return s.conflictResult(ctx, userID, res)
				}
				s.logger.Warn("sync update failed", "id", snap.ID, "error", err)
				res.Status = ledger.SyncInvalid
				return res
			}
			res.Status = ledger.SyncApplied
			res.ID = snap.ID
			return res
		case errors.Is(err, ErrEntryNotFound):
			// Deleted server-side; the snapshot is re-materialized below
			// under its original id.
		default:
			s.logger.Warn("sync lookup failed", "id", snap.ID, "error", err)
			res.Status = ledger.SyncInvalid
			return res
		}
	}

	// Already materialized? Replaying an identical snapshot is a no-op.
	existing, err := s.repo.GetByOfflineID(ctx, userID, m.OfflineID)
	switch {
	case err == nil:
		if sameSnapshot(existing, &snap) {
			res.Status = ledger.SyncDuplicate
			res.ID = existing.ID
			return res
		}
		snap.ID = existing.ID
		if err := s.repo.Update(ctx, &snap); err != nil {
			if errors.Is(err, ErrActiveConstraint) {
				return s.conflictResult(ctx, userID, res)
			}
			s.logger.Warn("sync update failed", "offlineId", m.OfflineID, "error", err)
			res.Status = ledger.SyncInvalid
			return res
		}
		res.Status = ledger.SyncApplied
		res.ID = snap.ID
		return res
	case errors.Is(err, ErrEntryNotFound):
		// Fresh offline-born entry.
	default:
		s.logger.Warn("sync lookup failed", "offlineId", m.OfflineID, "error", err)
		res.Status = ledger.SyncInvalid
		return res
	}

	if snap.Active() {
		if active, err := s.repo.GetActive(ctx, userID); err == nil && active != nil && active.OfflineID != m.OfflineID {
			// Another device holds the active slot; the ledger keeps it.
			res.Status = ledger.SyncConflict
			res.Entry = active
			return res
		}
	}

	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if err := s.repo.Insert(ctx, &snap); err != nil {
		if errors.Is(err, ErrActiveConstraint) {
			return s.conflictResult(ctx, userID, res)
		}
		s.logger.Warn("sync insert failed", "offlineId", m.OfflineID, "error", err)
		res.Status = ledger.SyncInvalid
		return res
	}
	res.Status = ledger.SyncApplied
	res.ID = snap.ID
	return res
}

func (s *Service) conflictResult(ctx context.Context, userID string, res ledger.SyncResult) ledger.SyncResult {
	res.Status = ledger.SyncConflict
	if active, err := s.repo.GetActive(ctx, userID); err == nil {
		res.Entry = active
	}
	return res
}

// sameSnapshot compares the fields a replay could change. Audit arrays are
// informational and compared by length only.
func sameSnapshot(a, b *entry.TimeEntry) bool {
	sameEnd := (a.EndTime == nil) == (b.EndTime == nil) &&
		(a.EndTime == nil || a.EndTime.Equal(*b.EndTime))
	return a.Status == b.Status &&
		a.Duration == b.Duration &&
		a.StartTime.Equal(b.StartTime) &&
		sameEnd &&
		a.Description == b.Description &&
		a.ProjectID == b.ProjectID &&
		a.PersonalTaskID == b.PersonalTaskID &&
		a.SharedTaskID == b.SharedTaskID &&
		len(a.PausedAt) == len(b.PausedAt) &&
		len(a.ResumedAt) == len(b.ResumedAt)
}

// Report aggregates the user's entries over [from, to] calendar days,
// optionally filtered to one project.
func (s *Service) Report(ctx context.Context, userID string, query ledger.ReportQuery) (*ledger.Report, error) {
	from, to, err := parsePeriod(query.From, query.To)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.List(ctx, userID, from.Format(entry.DateFormat), to.Format(entry.DateFormat))
	if err != nil {
		return nil, err
	}
	if query.ProjectID != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ProjectID == query.ProjectID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	summary := report.Aggregate(entries, from, endOfDay(to), report.Options{})
	return &ledger.Report{Summary: summary, Entries: entries}, nil
}

// parsePeriod accepts calendar days ("2006-01-02") or RFC3339 instants and
// normalizes them to UTC day bounds.
func parsePeriod(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := parseDay(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad from %q", ErrInvalidPeriod, fromStr)
	}
	to, err := parseDay(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad to %q", ErrInvalidPeriod, toStr)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to precedes from", ErrInvalidPeriod)
	}
	return from, to, nil
}

func parseDay(s string) (time.Time, error) {
	if t, err := time.Parse(entry.DateFormat, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
