// Package queue is the durable local staging area for mutations that could
// not reach the remote ledger, plus the single-slot snapshot of the current
// active timer. Both live in one sqlite database so a reload reconstructs
// in-flight state without loss.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lbricheux/pointeuse/internal/entry"
)

// Kind is the mutation type recorded with each queued snapshot.
type Kind string

const (
	KindStart  Kind = "start"
	KindPause  Kind = "pause"
	KindResume Kind = "resume"
	KindStop   Kind = "stop"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Mutation is one queued change. The entry snapshot is complete, not a
// diff, so replaying it is self-contained and idempotent.
type Mutation struct {
	OfflineID string
	Kind      Kind
	Entry     entry.TimeEntry
	CreatedAt time.Time
}

const activeTimerKey = "active_timer"

// Store is the sqlite-backed queue.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the queue database under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "pointeuse.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS mutations (
			offline_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue stages a mutation for later replay. When the target entry has no
// identity yet a fresh offline correlation id is assigned to it. Snapshots
// for the same offline id replace each other: the latest full snapshot
// subsumes everything queued before it.
func (s *Store) Enqueue(kind Kind, e *entry.TimeEntry) (*Mutation, error) {
	if e.ID == "" && e.OfflineID == "" {
		e.OfflineID = uuid.NewString()
	}
	key := e.OfflineID
	if key == "" {
		// Entry already has a canonical id; the correlation key exists
		// only to dedup this mutation on replay.
		key = uuid.NewString()
	}

	m := &Mutation{
		OfflineID: key,
		Kind:      kind,
		Entry:     *e.Clone(),
		CreatedAt: time.Now().UTC(),
	}

	snapshot, err := json.Marshal(m.Entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling entry snapshot: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO mutations (offline_id, kind, snapshot, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(offline_id) DO UPDATE SET kind = excluded.kind, snapshot = excluded.snapshot`,
		m.OfflineID, string(m.Kind), string(snapshot), m.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("staging mutation: %w", err)
	}
	return m, nil
}

// Pending returns all mutations awaiting acknowledgment, oldest first.
func (s *Store) Pending() ([]Mutation, error) {
	rows, err := s.db.Query(
		`SELECT offline_id, kind, snapshot, created_at FROM mutations ORDER BY created_at ASC, offline_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var (
			m         Mutation
			kind      string
			snapshot  string
			createdAt string
		)
		if err := rows.Scan(&m.OfflineID, &kind, &snapshot, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning mutation: %w", err)
		}
		m.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(snapshot), &m.Entry); err != nil {
			return nil, fmt.Errorf("parsing snapshot %s: %w", m.OfflineID, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Len reports the number of mutations still queued.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mutations`).Scan(&n)
	return n, err
}

// Ack removes an acknowledged mutation. When the ledger assigned a
// canonical id, the active-timer slot is rewritten so the snapshot carries
// the server identity from now on; the offline id stays as a dedup key.
func (s *Store) Ack(offlineID, canonicalID string) error {
	if _, err := s.db.Exec(`DELETE FROM mutations WHERE offline_id = ?`, offlineID); err != nil {
		return fmt.Errorf("removing mutation: %w", err)
	}
	if canonicalID == "" {
		return nil
	}

	active, err := s.LoadActiveTimer()
	if err != nil || active == nil {
		return err
	}
	if active.OfflineID == offlineID && active.ID == "" {
		active.ID = canonicalID
		active.SyncedFromOffline = true
		return s.SaveActiveTimer(active)
	}
	return nil
}

// Remove drops a queued mutation without marking anything synced. Used
// when an offline-born entry is deleted before it ever reached the ledger.
func (s *Store) Remove(offlineID string) error {
	_, err := s.db.Exec(`DELETE FROM mutations WHERE offline_id = ?`, offlineID)
	return err
}

// SaveActiveTimer persists the single-slot snapshot of the current active
// timer.
func (s *Store) SaveActiveTimer(e *entry.TimeEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling active timer: %w", err)
	}
	return s.setState(activeTimerKey, string(data))
}

// LoadActiveTimer returns the stored slot, or nil when the slot is empty.
func (s *Store) LoadActiveTimer() (*entry.TimeEntry, error) {
	value, err := s.getState(activeTimerKey)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var e entry.TimeEntry
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return nil, fmt.Errorf("parsing active timer snapshot: %w", err)
	}
	return &e, nil
}

// ClearActiveTimer empties the slot.
func (s *Store) ClearActiveTimer() error {
	_, err := s.db.Exec(`DELETE FROM state WHERE key = ?`, activeTimerKey)
	return err
}

func (s *Store) getState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) setState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
