// Package store provides the governor's SQL persistence layer.
//
// Each entity lives in its own native table (sessions, status, events,
// policies and their shaping objects, interface snapshots, statistics) so
// every row is independently inspectable and applied state survives
// restarts. High-volume rows (usage sessions) are indexed for the
// aggregation queries the enforcement tick runs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/floe/internal/iface"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/shaping"
)

// ErrDuplicatePolicy is returned when creating a policy whose name exists.
var ErrDuplicatePolicy = errors.New("policy already exists")

// UsageSession is one accounted slice of application session time.
type UsageSession struct {
	ID        int64     `json:"id"`
	Segment   int       `json:"segment"`
	Address   string    `json:"address"`
	Hostname  string    `json:"hostname,omitempty"`
	App       string    `json:"app,omitempty"` // empty = uncategorized
	Seconds   int       `json:"seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentStatus is the current enforcement state of one segment.
type SegmentStatus struct {
	Segment   int       `json:"segment"`
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

// EnforcementEvent is one append-only enforcement audit row.
type EnforcementEvent struct {
	ID        int64     `json:"id"`
	Segment   int       `json:"segment"`
	Action    string    `json:"action"` // "blacklist", "unblacklist", "pending"
	Reason    string    `json:"reason"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the sqlite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the database at path. Use ":memory:" in tests.
func Open(path string, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	s := &Store{db: db, logger: logger.WithComponent("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			segment INTEGER NOT NULL,
			address TEXT NOT NULL,
			hostname TEXT,
			app TEXT,
			seconds INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS segment_status (
			segment INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			changed_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS enforcement_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			segment INTEGER NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			success BOOLEAN NOT NULL DEFAULT 1,
			timestamp DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS policies (
			name TEXT PRIMARY KEY,
			description TEXT,
			iface TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			applied_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS qdiscs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy TEXT NOT NULL,
			seq INTEGER NOT NULL,
			handle TEXT NOT NULL,
			parent TEXT NOT NULL,
			kind TEXT NOT NULL,
			options TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(policy) REFERENCES policies(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS classes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy TEXT NOT NULL,
			seq INTEGER NOT NULL,
			classid TEXT NOT NULL,
			parent TEXT NOT NULL,
			kind TEXT NOT NULL,
			options TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(policy) REFERENCES policies(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS filters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy TEXT NOT NULL,
			seq INTEGER NOT NULL,
			parent TEXT NOT NULL,
			protocol TEXT NOT NULL,
			prio TEXT NOT NULL,
			handle TEXT,
			kind TEXT NOT NULL,
			options TEXT,
			flowid TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(policy) REFERENCES policies(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS interfaces (
			name TEXT PRIMARY KEY,
			idx INTEGER,
			type TEXT,
			state TEXT,
			mtu INTEGER,
			mac TEXT,
			addrs TEXT,
			vlan_id INTEGER,
			parent_interface TEXT,
			degraded BOOLEAN DEFAULT 0,
			discovered_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS shaping_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			iface TEXT NOT NULL,
			classid TEXT NOT NULL,
			kind TEXT,
			bytes INTEGER NOT NULL,
			packets INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			overlimits INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS shaping_backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			iface TEXT NOT NULL,
			apply_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_segment_time ON usage_sessions(segment, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_segment ON enforcement_events(segment, timestamp);
		CREATE INDEX IF NOT EXISTS idx_stats_iface ON shaping_stats(iface, timestamp);
		CREATE INDEX IF NOT EXISTS idx_backups_iface ON shaping_backups(iface, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Usage sessions ---

// AddUsageSessions persists a batch of usage rows in one transaction.
func (s *Store) AddUsageSessions(sessions []UsageSession) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin usage batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_sessions (segment, address, hostname, app, seconds, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range sessions {
		if _, err := stmt.Exec(u.Segment, u.Address, u.Hostname, u.App, u.Seconds, u.Timestamp); err != nil {
			return fmt.Errorf("insert usage session: %w", err)
		}
	}
	return tx.Commit()
}

// SumUsageSince returns the total accounted seconds for a segment since t.
func (s *Store) SumUsageSince(segment int, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(seconds) FROM usage_sessions WHERE segment = ? AND timestamp >= ?
	`, segment, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Int64, nil
}

// RecentUsage returns the most recent n usage rows for a segment, newest first.
func (s *Store) RecentUsage(segment int, n int) ([]UsageSession, error) {
	rows, err := s.db.Query(`
		SELECT id, segment, address, hostname, app, seconds, timestamp
		FROM usage_sessions WHERE segment = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, segment, n)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer rows.Close()
	return scanUsage(rows)
}

// ListUsage returns usage rows for a segment since t, newest first.
// segment < 0 means all segments.
func (s *Store) ListUsage(segment int, since time.Time, limit int) ([]UsageSession, error) {
	query := `SELECT id, segment, address, hostname, app, seconds, timestamp
		FROM usage_sessions WHERE timestamp >= ?`
	args := []any{since}
	if segment >= 0 {
		query += " AND segment = ?"
		args = append(args, segment)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	return scanUsage(rows)
}

func scanUsage(rows *sql.Rows) ([]UsageSession, error) {
	var out []UsageSession
	for rows.Next() {
		var u UsageSession
		var hostname, app sql.NullString
		if err := rows.Scan(&u.ID, &u.Segment, &u.Address, &hostname, &app, &u.Seconds, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage session: %w", err)
		}
		u.Hostname = hostname.String
		u.App = app.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// PruneUsage removes usage rows older than t.
func (s *Store) PruneUsage(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM usage_sessions WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}

// --- Segment status ---

// GetSegmentStatus returns the stored status for a segment, nil when absent.
func (s *Store) GetSegmentStatus(segment int) (*SegmentStatus, error) {
	st := &SegmentStatus{}
	err := s.db.QueryRow(`
		SELECT segment, status, changed_at FROM segment_status WHERE segment = ?
	`, segment).Scan(&st.Segment, &st.Status, &st.ChangedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment status: %w", err)
	}
	return st, nil
}

// SetSegmentStatus upserts the status row for a segment.
func (s *Store) SetSegmentStatus(segment int, status string, changedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO segment_status (segment, status, changed_at) VALUES (?, ?, ?)
		ON CONFLICT(segment) DO UPDATE SET status = excluded.status, changed_at = excluded.changed_at
	`, segment, status, changedAt)
	if err != nil {
		return fmt.Errorf("set segment status: %w", err)
	}
	return nil
}

// ListSegmentStatuses returns all known segment statuses.
func (s *Store) ListSegmentStatuses() ([]SegmentStatus, error) {
	rows, err := s.db.Query("SELECT segment, status, changed_at FROM segment_status ORDER BY segment")
	if err != nil {
		return nil, fmt.Errorf("list segment statuses: %w", err)
	}
	defer rows.Close()

	var out []SegmentStatus
	for rows.Next() {
		var st SegmentStatus
		if err := rows.Scan(&st.Segment, &st.Status, &st.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan segment status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Enforcement events ---

// AddEnforcementEvent appends one enforcement audit row.
func (s *Store) AddEnforcementEvent(ev EnforcementEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO enforcement_events (segment, action, reason, success, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Segment, ev.Action, ev.Reason, ev.Success, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert enforcement event: %w", err)
	}
	return nil
}

// ListEnforcementEvents returns events, newest first. segment < 0 means all.
func (s *Store) ListEnforcementEvents(segment int, limit int) ([]EnforcementEvent, error) {
	query := "SELECT id, segment, action, reason, success, timestamp FROM enforcement_events"
	var args []any
	if segment >= 0 {
		query += " WHERE segment = ?"
		args = append(args, segment)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list enforcement events: %w", err)
	}
	defer rows.Close()

	var out []EnforcementEvent
	for rows.Next() {
		var ev EnforcementEvent
		var reason sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Segment, &ev.Action, &reason, &ev.Success, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan enforcement event: %w", err)
		}
		ev.Reason = reason.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents removes enforcement events older than t.
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM enforcement_events WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// --- Interface snapshots ---

// SaveInterfaces replaces the interface snapshot table.
func (s *Store) SaveInterfaces(ifaces []iface.Interface) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin interface snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM interfaces"); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO interfaces (name, idx, type, state, mtu, mac, addrs, vlan_id, parent_interface, degraded, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ifc := range ifaces {
		addrs, _ := json.Marshal(ifc.Addrs)
		if _, err := stmt.Exec(ifc.Name, ifc.Index, ifc.Type, ifc.State, ifc.MTU, ifc.MAC,
			string(addrs), ifc.VLANID, ifc.ParentInterface, ifc.Degraded, ifc.DiscoveredAt); err != nil {
			return fmt.Errorf("insert interface %s: %w", ifc.Name, err)
		}
	}
	return tx.Commit()
}

// ListInterfaces returns the latest interface snapshot.
func (s *Store) ListInterfaces() ([]iface.Interface, error) {
	rows, err := s.db.Query(`
		SELECT name, idx, type, state, mtu, mac, addrs, vlan_id, parent_interface, degraded, discovered_at
		FROM interfaces ORDER BY idx
	`)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	defer rows.Close()

	var out []iface.Interface
	for rows.Next() {
		var ifc iface.Interface
		var mac, addrs, parent sql.NullString
		if err := rows.Scan(&ifc.Name, &ifc.Index, &ifc.Type, &ifc.State, &ifc.MTU, &mac,
			&addrs, &ifc.VLANID, &parent, &ifc.Degraded, &ifc.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		ifc.MAC = mac.String
		ifc.ParentInterface = parent.String
		if addrs.Valid && addrs.String != "" {
			json.Unmarshal([]byte(addrs.String), &ifc.Addrs)
		}
		out = append(out, ifc)
	}
	return out, rows.Err()
}

// --- Shaping statistics & backups ---

// AddStats appends observed counter samples.
func (s *Store) AddStats(stats []shaping.Stat) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stats batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO shaping_stats (iface, classid, kind, bytes, packets, dropped, overlimits, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.Exec(st.Interface, st.ClassID, st.Kind, st.Bytes, st.Packets,
			st.Dropped, st.Overlimits, st.Timestamp); err != nil {
			return fmt.Errorf("insert stat: %w", err)
		}
	}
	return tx.Commit()
}

// ListStats returns counter samples for an interface, newest first.
func (s *Store) ListStats(ifaceName string, limit int) ([]shaping.Stat, error) {
	query := `SELECT id, iface, classid, kind, bytes, packets, dropped, overlimits, timestamp
		FROM shaping_stats WHERE iface = ? ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, ifaceName)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var out []shaping.Stat
	for rows.Next() {
		var st shaping.Stat
		var kind sql.NullString
		if err := rows.Scan(&st.ID, &st.Interface, &st.ClassID, &kind, &st.Bytes, &st.Packets,
			&st.Dropped, &st.Overlimits, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		st.Kind = kind.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveBackup stores a pre-apply kernel state snapshot for an interface.
func (s *Store) SaveBackup(ifaceName, applyID, content string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO shaping_backups (iface, apply_id, content, created_at) VALUES (?, ?, ?, ?)
	`, ifaceName, applyID, content, at)
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	return nil
}

// LatestBackup returns the most recent snapshot for an interface, or empty.
func (s *Store) LatestBackup(ifaceName string) (applyID, content string, err error) {
	err = s.db.QueryRow(`
		SELECT apply_id, content FROM shaping_backups WHERE iface = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, ifaceName).Scan(&applyID, &content)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("latest backup: %w", err)
	}
	return applyID, content, nil
}
