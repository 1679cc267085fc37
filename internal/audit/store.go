// Package audit keeps a durable record of security-relevant pipeline
// events: malformed packets, tunnel authentication failures, handshakes
// and key rotations.
package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/errors"
)

// DefaultRetention is how long events are kept when none is configured.
const DefaultRetention = 90 * 24 * time.Hour

// Event is a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Interface string         `json:"interface,omitempty"`
	Peer      string         `json:"peer,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Query selects events. Zero fields do not filter.
type Query struct {
	Since time.Time
	Until time.Time
	Type  string
	Peer  string
	Limit int
}

// Store provides persistent storage for audit events.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	retention time.Duration
	clock     clock.Clock
}

// NewStore opens or creates the audit database at dbPath.
func NewStore(dbPath string, retention time.Duration, c clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "create audit dir")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open audit db")
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			iface TEXT,
			peer TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "create audit table")
	}

	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention, clock: clock.Or(c)}, nil
}

// Write persists an event. A zero timestamp is set to now.
func (s *Store) Write(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}
	var details []byte
	if evt.Details != nil {
		var err error
		if details, err = json.Marshal(evt.Details); err != nil {
			details = []byte("{}")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO audit_events (ts, type, source, iface, peer, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UnixNano(), evt.Type, evt.Source, evt.Interface, evt.Peer, string(details))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "insert audit event")
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(q Query) ([]Event, error) {
	query := `SELECT id, ts, type, source, iface, peer, details FROM audit_events WHERE 1=1`
	var args []any
	if !q.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, q.Until.UnixNano())
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	if q.Peer != "" {
		query += " AND peer = ?"
		args = append(args, q.Peer)
	}
	query += " ORDER BY ts DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			evt     Event
			ts      int64
			iface   sql.NullString
			peer    sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.Source, &iface, &peer, &details); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan audit event")
		}
		evt.Timestamp = time.Unix(0, ts)
		evt.Interface = iface.String
		evt.Peer = peer.String
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &evt.Details)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec("DELETE FROM audit_events WHERE ts < ?", cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "prune audit events")
	}
	return result.RowsAffected()
}

// Count returns the number of stored events.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
