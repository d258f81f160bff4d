package entry

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a time entry.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

var (
	ErrNotRunning     = errors.New("entry is not running")
	ErrNotPaused      = errors.New("entry is not paused")
	ErrAlreadyStopped = errors.New("entry is already stopped")
)

// TimeEntry is one tracked interval of work. Identity is either the
// server-assigned ID or, for entries born offline, the client-generated
// OfflineID. Once the server acknowledges an offline entry it gets a
// canonical ID and the OfflineID survives only as a dedup key.
type TimeEntry struct {
	ID                string      `json:"id,omitempty"`
	OfflineID         string      `json:"offlineId,omitempty"`
	UserID            string      `json:"userId"`
	ProjectID         string      `json:"projectId,omitempty"`
	PersonalTaskID    string      `json:"personalTaskId,omitempty"`
	SharedTaskID      string      `json:"sharedTaskId,omitempty"`
	Description       string      `json:"description,omitempty"`
	StartTime         time.Time   `json:"startTime"`
	EndTime           *time.Time  `json:"endTime,omitempty"`
	Duration          int64       `json:"duration"` // accumulated seconds, authoritative
	Status            Status      `json:"status"`
	PausedAt          []time.Time `json:"pausedAt,omitempty"`
	ResumedAt         []time.Time `json:"resumedAt,omitempty"`
	SyncedFromOffline bool        `json:"syncedFromOffline"`
	Date              string      `json:"date"` // calendar day of StartTime
}

// DateFormat is the calendar-day format used in the persisted shape.
const DateFormat = "2006-01-02"

// New creates a fresh running entry for userID starting at now.
func New(userID string, now time.Time) *TimeEntry {
	return &TimeEntry{
		UserID:    userID,
		StartTime: now,
		Duration:  0,
		Status:    StatusRunning,
		Date:      now.UTC().Format(DateFormat),
	}
}

// Key returns the identity used to address this entry: the canonical ID
// when assigned, otherwise the offline correlation ID.
func (e *TimeEntry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.OfflineID
}

// Active reports whether the entry holds the user's active-timer slot.
func (e *TimeEntry) Active() bool {
	return e.Status == StatusRunning || e.Status == StatusPaused
}

// Elapsed returns the total tracked seconds as of now. While running this
// is the accumulated duration plus the current open interval; while paused
// or stopped it is the accumulated duration alone. This formula is the
// single source of truth for displayed time.
func (e *TimeEntry) Elapsed(now time.Time) int64 {
	if e.Status == StatusRunning {
		return e.Duration + int64(now.Sub(e.StartTime).Seconds())
	}
	return e.Duration
}

// Pause closes the current running interval: the open interval is folded
// into Duration and the pause instant recorded.
func (e *TimeEntry) Pause(now time.Time) error {
	if e.Status != StatusRunning {
		return ErrNotRunning
	}
	e.Duration += int64(now.Sub(e.StartTime).Seconds())
	e.PausedAt = append(e.PausedAt, now)
	e.Status = StatusPaused
	return nil
}

// Resume opens a new running interval. The paused gap contributes nothing
// to Duration; StartTime is reset so the next fold counts from here.
func (e *TimeEntry) Resume(now time.Time) error {
	if e.Status != StatusPaused {
		return ErrNotPaused
	}
	e.StartTime = now
	e.ResumedAt = append(e.ResumedAt, now)
	e.Status = StatusRunning
	return nil
}

// Stop finalizes the entry. A running interval is folded first, then the
// end time is frozen. Stopping an already-stopped entry is a no-op so a
// replayed stop never double-counts.
func (e *TimeEntry) Stop(now time.Time) error {
	if e.Status == StatusStopped {
		return nil
	}
	if e.Status == StatusRunning {
		e.Duration += int64(now.Sub(e.StartTime).Seconds())
	}
	t := now
	e.EndTime = &t
	e.Status = StatusStopped
	return nil
}

// Validate checks the structural invariants of the persisted shape.
func (e *TimeEntry) Validate() error {
	if e.UserID == "" {
		return errors.New("userId is required")
	}
	switch e.Status {
	case StatusRunning, StatusPaused, StatusStopped:
	default:
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.PersonalTaskID != "" && e.SharedTaskID != "" {
		return errors.New("entry may reference at most one task")
	}
	if e.Duration < 0 {
		return errors.New("duration must be non-negative")
	}
	if e.StartTime.IsZero() {
		return errors.New("startTime is required")
	}
	if (e.EndTime != nil) != (e.Status == StatusStopped) {
		return errors.New("endTime must be set exactly when stopped")
	}
	return nil
}

// Clone returns a deep copy, detaching the audit slices and EndTime.
func (e *TimeEntry) Clone() *TimeEntry {
	c := *e
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	c.PausedAt = append([]time.Time(nil), e.PausedAt...)
	c.ResumedAt = append([]time.Time(nil), e.ResumedAt...)
	return &c
}
