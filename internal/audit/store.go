// Package audit persists an append-only trail of enforcement and policy
// operations. Every attempt is recorded, successful or not.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event represents a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`  // "enforcer", "policy-manager", "cli"
	Action    string         `json:"action"` // "blacklist", "unblacklist", "policy-apply", "policy-delete"
	Target    string         `json:"target"` // segment id or policy name
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store provides persistent storage for audit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore creates a new audit store at the given path.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT 1,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// Write persists an audit event.
func (s *Store) Write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON []byte
	if evt.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(evt.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (timestamp, actor, action, target, success, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Timestamp, evt.Actor, evt.Action, evt.Target, evt.Success, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns audit events matching the given criteria, newest first.
func (s *Store) Query(start, end time.Time, action, target string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, actor, action, target, success, details
		FROM audit_events WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}

	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var detailsJSON sql.NullString
		if err := rows.Scan(&evt.ID, &evt.Timestamp, &evt.Actor, &evt.Action, &evt.Target,
			&evt.Success, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
