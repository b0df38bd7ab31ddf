// Package audit provides an append-only, namespaced dispatch log for a
// sync session. It is intended purely for operator visibility —
// "what was dispatched, and did it succeed" — and is never read back to
// reconstruct owner state: that stays out of scope per the engine's
// no-persistence-of-session-state design. Two interchangeable SQLite
// driver backends are supported, selected by config: "sqlite3" (cgo,
// mattn/go-sqlite3) and "sqlite" (pure-Go, modernc.org/sqlite).
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Entry is one recorded dispatch outcome.
type Entry struct {
	SessionID string
	AttachID  string
	Key       string // registration key, empty for session-level events
	EventType string
	Outcome   string // "ok" or "error"
	Detail    string // error message, or empty
	At        time.Time
}

// atLayout is the stored timestamp format: UTC with a fixed-width
// fraction, so that string order in SQL matches time order.
const atLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite-backed dispatch log. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// driverName maps a config driver string to the registered sql.DB
// driver name for that backend.
func driverName(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return "sqlite3", nil
	case "sqlite", "":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unknown audit driver %q", driver)
	}
}

// NewStore opens (creating if necessary) an audit log at dbPath using
// the named driver ("sqlite3" or "sqlite"; empty defaults to "sqlite").
// The schema is created automatically on first use.
func NewStore(dbPath, driver string) (*Store, error) {
	drv, err := driverName(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(drv, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatch_log (
		session_id TEXT NOT NULL,
		attach_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		event_type TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		detail     TEXT NOT NULL,
		at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_log_session ON dispatch_log (session_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one dispatch outcome to the log.
func (s *Store) Record(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO dispatch_log (session_id, attach_id, key, event_type, outcome, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.AttachID, e.Key, e.EventType, e.Outcome, e.Detail,
		e.At.UTC().Format(atLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.SessionID, e.EventType, err)
	}
	return nil
}

// Recent returns the most recent entries for a session, newest first,
// bounded by limit.
func (s *Store) Recent(sessionID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT session_id, attach_id, key, event_type, outcome, detail, at
		 FROM dispatch_log WHERE session_id = ? ORDER BY at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.SessionID, &e.AttachID, &e.Key, &e.EventType, &e.Outcome, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan %s: %w", sessionID, err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the given time, bounding the log's
// growth. Returns the number of rows removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM dispatch_log WHERE at < ?`,
		olderThan.UTC().Format(atLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}
