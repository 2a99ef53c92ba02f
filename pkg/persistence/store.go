// Package persistence provides SQLite-based storage for the instance
// lifecycle audit trail.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"helmsman/pkg/logx"
)

// CurrentSchemaVersion defines the schema version for migration support.
const CurrentSchemaVersion = 1

// Store records lifecycle events durably. It implements the orchestrator's
// audit sink; failures are logged, never propagated into orchestration.
type Store struct {
	db      *sql.DB
	logger  *logx.Logger
	session string
}

// Event is one recorded lifecycle event.
type Event struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	InstanceID string    `json:"instance_id"`
	OwnerID    string    `json:"owner_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// Open opens (or creates) the audit database at dbPath. sessionID groups
// events of one orchestrator run.
func Open(dbPath, sessionID string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := &Store{
		db:      db,
		logger:  logx.NewLogger("persistence"),
		session: sessionID,
	}
	store.logger.Info("Audit store opened: %s (session %s)", dbPath, sessionID)
	return store, nil
}

// initializeSchema creates the schema when absent and validates the version.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			owner_id    TEXT NOT NULL DEFAULT '',
			event       TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_instance ON lifecycle_events(instance_id);
		CREATE INDEX IF NOT EXISTS idx_events_session ON lifecycle_events(session_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// RecordEvent stores one lifecycle event. Implements the orchestrator's
// audit sink: errors are logged, not returned, so a broken audit trail never
// blocks teardown.
func (s *Store) RecordEvent(instanceID, ownerID, event, detail string) {
	_, err := s.db.Exec(`
		INSERT INTO lifecycle_events (session_id, instance_id, owner_id, event, detail)
		VALUES (?, ?, ?, ?, ?)`,
		s.session, instanceID, ownerID, event, detail,
	)
	if err != nil {
		s.logger.Error("Failed to record event %s for instance %s: %v", event, instanceID, err)
	}
}

// EventsForInstance returns the recorded events of one instance in order.
func (s *Store) EventsForInstance(instanceID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, instance_id, owner_id, event, detail, created_at
		FROM lifecycle_events
		WHERE instance_id = ?
		ORDER BY id`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", instanceID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// RecentEvents returns the latest events across all instances, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, instance_id, owner_id, event, detail, created_at
		FROM lifecycle_events
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.InstanceID, &ev.OwnerID,
			&ev.Event, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event row iteration failed: %w", err)
	}
	return events, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
