// Package quarantine persists schema-invalid bus payloads so producers
// can be debugged after the fact. The store is write-only bookkeeping:
// a failed write is logged and dropped, never surfaced to the consumer
// loop, and never blocks offset commits.
package quarantine

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codegraph/internal/logging"
)

// Store holds quarantined payloads in a local SQLite database.
type Store struct {
	db *sql.DB
}

// Record is one quarantined message.
type Record struct {
	ID            int64
	Topic         string
	Reason        string
	CorrelationID string
	Payload       []byte
	QuarantinedAt time.Time
}

// Open initializes the quarantine database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quarantine: create directory: %w", err)
	}
	path := filepath.Join(dir, "quarantine.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("quarantine: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("quarantine: set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("quarantine: set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("quarantine: set synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quarantined_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			topic          TEXT NOT NULL,
			reason         TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			payload        BLOB,
			quarantined_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_quarantine_reason ON quarantined_events(reason);
		CREATE INDEX IF NOT EXISTS idx_quarantine_topic ON quarantined_events(topic);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("quarantine: initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Put stores one invalid message. Errors are swallowed after logging; the
// caller has already committed past the message and must not stall.
func (s *Store) Put(topic, reason, correlationID string, payload []byte) {
	if s == nil || s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO quarantined_events (topic, reason, correlation_id, payload, quarantined_at)
		 VALUES (?, ?, ?, ?, ?)`,
		topic, reason, correlationID, payload, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		logging.Get(logging.CategoryEvents).Warn("quarantine write failed (dropping): %v", err)
	}
}

// Recent returns the most recently quarantined records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, topic, reason, correlation_id, payload, quarantined_at
		 FROM quarantined_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("quarantine: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at string
		if err := rows.Scan(&r.ID, &r.Topic, &r.Reason, &r.CorrelationID, &r.Payload, &at); err != nil {
			return nil, fmt.Errorf("quarantine: scan record: %w", err)
		}
		r.QuarantinedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByReason returns skip counts grouped by reason, for operator
// queries against a long-lived quarantine.
func (s *Store) CountByReason() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT reason, COUNT(*) FROM quarantined_events GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("quarantine: count by reason: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("quarantine: scan count: %w", err)
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
