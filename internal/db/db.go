package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so `idlesync history` can read while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path is the database file
func (db *DB) Path() string { return db.path }

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

// initSchema creates the database tables if they don't exist
func (db *DB) initSchema() error {
	schema := `
	-- Presence transitions (idle, resume, inhibit, uninhibit, reset, nudge)
	CREATE TABLE IF NOT EXISTS presence_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		holds INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Device action outcomes
	CREATE TABLE IF NOT EXISTS action_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_presence_events_timestamp ON presence_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_action_events_timestamp ON action_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// PresenceEvent is one presence transition
type PresenceEvent struct {
	ID        int64
	EventType string
	Source    string
	Holds     int
	Timestamp time.Time
}

// LogPresenceEvent records a presence transition, with the number of live
// inhibition holds right after it.
func (db *DB) LogPresenceEvent(eventType, source string, holds int) error {
	return db.execRetry(
		`INSERT INTO presence_events (event_type, source, holds, timestamp)
		 VALUES (?, ?, ?, ?)`,
		eventType, source, holds, time.Now(),
	)
}

// ActionEvent is one device action run
type ActionEvent struct {
	ID        int64
	Action    string
	Duration  time.Duration
	Error     string
	Timestamp time.Time
}

// LogActionEvent records the outcome of a device action. A nil actionErr
// is stored as an empty error.
func (db *DB) LogActionEvent(action string, duration time.Duration, actionErr error) error {
	var msg string
	if actionErr != nil {
		msg = actionErr.Error()
	}
	return db.execRetry(
		`INSERT INTO action_events (action, duration_ms, error, timestamp)
		 VALUES (?, ?, ?, ?)`,
		action, duration.Milliseconds(), msg, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// execRetry retries briefly if the database is locked (3 attempts, 5ms
// between). Best effort, logging must never stall the dispatch loop.
func (db *DB) execRetry(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log event after %d retries: database locked", maxRetries)
}

// GetRecentPresenceEvents retrieves recent presence transitions, newest first
func (db *DB) GetRecentPresenceEvents(limit int) ([]PresenceEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, source, holds, timestamp
		 FROM presence_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PresenceEvent
	for rows.Next() {
		var e PresenceEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Source, &e.Holds, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentActionEvents retrieves recent device action runs, newest first
func (db *DB) GetRecentActionEvents(limit int) ([]ActionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, action, duration_ms, error, timestamp
		 FROM action_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ActionEvent
	for rows.Next() {
		var e ActionEvent
		var ms int64
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &ms, &errText, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastPresenceEvent returns the newest presence transition, or nil
func (db *DB) GetLastPresenceEvent() (*PresenceEvent, error) {
	events, err := db.GetRecentPresenceEvents(1)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}
