// Package db keeps a local event log of supervisor and worker lifecycle
// events. The log is append-only telemetry for the status command; no
// supervision state is ever restored from it.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event-log connection.
type DB struct {
	conn *sql.DB
	path string
}

// Event is one recorded lifecycle event.
type Event struct {
	ID        int64
	WorkerID  int // 0 for supervisor-level events
	Epoch     uint64
	EventType string
	Details   string
	Timestamp time.Time
}

// Open opens or creates the event log at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so status queries don't block the supervisor's writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Supervisor lifecycle events (start, shutdown, reload epochs)
	CREATE TABLE IF NOT EXISTS supervisor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Worker lifecycle events (spawn, online, ready, exit, restart)
	CREATE TABLE IF NOT EXISTS worker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_supervisor_events_timestamp ON supervisor_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_worker_events_timestamp ON worker_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_worker_events_worker ON worker_events(worker_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// LogSupervisorEvent records a supervisor-level event.
func (db *DB) LogSupervisorEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		"INSERT INTO supervisor_events (event_type, details) VALUES (?, ?)",
		eventType, details,
	)
	if err != nil {
		return fmt.Errorf("failed to log supervisor event: %w", err)
	}
	return nil
}

// LogWorkerEvent records a lifecycle event for one worker.
func (db *DB) LogWorkerEvent(workerID int, epoch uint64, eventType, details string) error {
	_, err := db.conn.Exec(
		"INSERT INTO worker_events (worker_id, epoch, event_type, details) VALUES (?, ?, ?, ?)",
		workerID, epoch, eventType, details,
	)
	if err != nil {
		return fmt.Errorf("failed to log worker event: %w", err)
	}
	return nil
}

// RecentWorkerEvents returns the most recent worker events, newest first.
func (db *DB) RecentWorkerEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, worker_id, epoch, event_type, COALESCE(details, ''), timestamp
		 FROM worker_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.Epoch, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan worker event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSupervisorEvents returns the most recent supervisor events, newest
// first.
func (db *DB) RecentSupervisorEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, event_type, COALESCE(details, ''), timestamp
		 FROM supervisor_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan supervisor event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
