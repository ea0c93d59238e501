package deadletter

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists entries to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a dead-letter database.
// The path should be a file path (e.g., "./deadletter.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			route_id TEXT NOT NULL,
			target TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL,
			failed_at TEXT NOT NULL,
			event BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(entry Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	entry = prepare(entry)
	data, err := json.Marshal(entry.Event)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO dead_letters (id, route_id, target, attempts, error, failed_at, event)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.RouteID, entry.Target, entry.Attempts, entry.Error,
		entry.FailedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	return entry.ID, nil
}

// List implements Store.
func (s *SQLiteStore) List(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.Query(`
		SELECT id, route_id, target, attempts, error, failed_at, event
		FROM dead_letters
		ORDER BY seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			failedAt string
			data     []byte
		)
		if err := rows.Scan(&e.ID, &e.RouteID, &e.Target, &e.Attempts, &e.Error, &failedAt, &data); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		e.Event = evt
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
