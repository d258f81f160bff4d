package ledgerserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lbricheux/pointeuse/internal/entry"
)

var (
	// ErrEntryNotFound means the addressed entry does not exist (or belongs
	// to another user, which is indistinguishable on purpose).
	ErrEntryNotFound = errors.New("time entry not found")
	// ErrActiveConstraint surfaces the partial unique index guarding the
	// at-most-one-active-timer-per-user invariant.
	ErrActiveConstraint = errors.New("user already has an active timer")
)

// Repository persists ledger entries in sqlite.
type Repository struct {
	db *sql.DB
}

// OpenRepository opens (and migrates) the ledger database at dsn, e.g.
// "file:ledger.db" or ":memory:".
func OpenRepository(dsn string) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			offline_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			personal_task_id TEXT NOT NULL DEFAULT '',
			shared_task_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			paused_at TEXT NOT NULL DEFAULT '[]',
			resumed_at TEXT NOT NULL DEFAULT '[]',
			synced_from_offline INTEGER NOT NULL DEFAULT 0,
			date TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// The one-active-timer-per-user invariant, made explicit instead of
		// relying on clients behaving.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_active
			ON entries(user_id) WHERE status != 'stopped'`,
		// Offline correlation ids are dedup keys, unique per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_offline
			ON entries(user_id, offline_id) WHERE offline_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user_date ON entries(user_id, date)`,
	}
	for _, m := range migrations {
		if _, err := r.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

const entryColumns = `id, offline_id, user_id, project_id, personal_task_id, shared_task_id,
	description, start_time, end_time, duration, status, paused_at, resumed_at,
	synced_from_offline, date`

// Insert stores a new entry. A violation of the active-timer index comes
// back as ErrActiveConstraint.
func (r *Repository) Insert(ctx context.Context, e *entry.TimeEntry) error {
	pausedAt, resumedAt, err := marshalAudit(e)
	if err != nil {
		return err
	}
	var endTime sql.NullString
	if e.EndTime != nil {
		endTime = sql.NullString{String: e.EndTime.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OfflineID, e.UserID, e.ProjectID, e.PersonalTaskID, e.SharedTaskID,
		e.Description, e.StartTime.UTC().Format(time.RFC3339), endTime, e.Duration,
		string(e.Status), pausedAt, resumedAt, boolToInt(e.SyncedFromOffline), e.Date,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_entries_active") {
			return ErrActiveConstraint
		}
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// Update rewrites an existing entry owned by e.UserID.
func (r *Repository) Update(ctx context.Context, e *entry.TimeEntry) error {
	pausedAt, resumedAt, err := marshalAudit(e)
	if err != nil {
		return err
	}
	var endTime sql.NullString
	if e.EndTime != nil {
		endTime = sql.NullString{String: e.EndTime.UTC().Format(time.RFC3339), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE entries SET offline_id = ?, project_id = ?, personal_task_id = ?,
			shared_task_id = ?, description = ?, start_time = ?, end_time = ?,
			duration = ?, status = ?, paused_at = ?, resumed_at = ?,
			synced_from_offline = ?, date = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND user_id = ?`,
		e.OfflineID, e.ProjectID, e.PersonalTaskID, e.SharedTaskID,
		e.Description, e.StartTime.UTC().Format(time.RFC3339), endTime,
		e.Duration, string(e.Status), pausedAt, resumedAt,
		boolToInt(e.SyncedFromOffline), e.Date, e.ID, e.UserID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_entries_active") {
			return ErrActiveConstraint
		}
		return fmt.Errorf("updating entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Delete removes an entry owned by userID.
func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// GetByID fetches one entry owned by userID.
func (r *Repository) GetByID(ctx context.Context, userID, id string) (*entry.TimeEntry, error) {
	return r.queryOne(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = ? AND user_id = ?`, id, userID)
}

// GetByOfflineID fetches the entry a queued mutation correlates to.
func (r *Repository) GetByOfflineID(ctx context.Context, userID, offlineID string) (*entry.TimeEntry, error) {
	return r.queryOne(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE offline_id = ? AND user_id = ?`, offlineID, userID)
}

// GetActive returns the user's running or paused entry, or nil.
func (r *Repository) GetActive(ctx context.Context, userID string) (*entry.TimeEntry, error) {
	e, err := r.queryOne(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE user_id = ? AND status != 'stopped'`, userID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

// List returns the user's entries whose calendar day falls in [from, to],
// both optional, ordered by start time.
func (r *Repository) List(ctx context.Context, userID, from, to string) ([]entry.TimeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE user_id = ?`
	args := []interface{}{userID}
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY start_time ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []entry.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...interface{}) (*entry.TimeEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEntryNotFound
	}
	return scanEntry(rows)
}

func scanEntry(rows *sql.Rows) (*entry.TimeEntry, error) {
	var (
		e          entry.TimeEntry
		startStr   string
		endStr     sql.NullString
		status     string
		pausedStr  string
		resumedStr string
		synced     int
	)
	if err := rows.Scan(
		&e.ID, &e.OfflineID, &e.UserID, &e.ProjectID, &e.PersonalTaskID, &e.SharedTaskID,
		&e.Description, &startStr, &endStr, &e.Duration, &status, &pausedStr, &resumedStr,
		&synced, &e.Date,
	); err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	e.Status = entry.Status(status)
	e.SyncedFromOffline = synced != 0

	if t, err := time.Parse(time.RFC3339, startStr); err == nil {
		e.StartTime = t
	}
	if endStr.Valid {
		if t, err := time.Parse(time.RFC3339, endStr.String); err == nil {
			e.EndTime = &t
		}
	}
	if err := json.Unmarshal([]byte(pausedStr), &e.PausedAt); err != nil {
		return nil, fmt.Errorf("parsing pausedAt: %w", err)
	}
	if err := json.Unmarshal([]byte(resumedStr), &e.ResumedAt); err != nil {
		return nil, fmt.Errorf("parsing resumedAt: %w", err)
	}
	return &e, nil
}

func marshalAudit(e *entry.TimeEntry) (string, string, error) {
	paused := e.PausedAt
	if paused == nil {
		paused = []time.Time{}
	}
	resumed := e.ResumedAt
	if resumed == nil {
		resumed = []time.Time{}
	}
	pausedAt, err := json.Marshal(paused)
	if err != nil {
		return "", "", fmt.Errorf("marshaling pausedAt: %w", err)
	}
	resumedAt, err := json.Marshal(resumed)
	if err != nil {
		return "", "", fmt.Errorf("marshaling resumedAt: %w", err)
	}
	return string(pausedAt), string(resumedAt), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
