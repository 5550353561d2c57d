// Package store owns the embedded SQLite database that backs sessions,
// messages, tool calls, checkpoints, and events. All writers share the
// single connection through this package; writes are serialised under one
// lock so callers never observe partial state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned when the database cannot be opened.
var ErrUnavailable = errors.New("memory store unavailable")

// Store wraps a SQLite database for agent memory persistence.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path, creating
// parent directories as needed, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create dir: %v", ErrUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping db: %v", ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and applies the schema.
// This is useful for testing with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NULL REFERENCES sessions(id),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('active', 'archived', 'deleted')),
			model TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			token_estimate INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id TEXT NULL REFERENCES messages(id) ON DELETE SET NULL,
			tool_name TEXT NOT NULL,
			input_json TEXT NOT NULL,
			result_text TEXT NOT NULL,
			is_error INTEGER NOT NULL CHECK (is_error IN (0, 1)),
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			scope_json TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoint_files (
			checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			existed_before INTEGER NOT NULL CHECK (existed_before IN (0, 1)),
			backup_blob BLOB NULL,
			PRIMARY KEY (checkpoint_id, path)
		);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_session_created
			ON tool_calls(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session_created
			ON checkpoints(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_session_created
			ON events(session_id, created_at);
	`)
	return err
}

// Exec runs a write statement under the store's write lock.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Query runs a read query. Reads are not serialised; SQLite in WAL mode
// allows them alongside the single writer.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

// QueryRow runs a single-row read query.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

// WithTx runs fn inside a write transaction, holding the write lock for the
// duration. The transaction commits if fn returns nil and rolls back on
// error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsIntegrityViolation reports whether err is a foreign-key or uniqueness
// constraint failure. Callers treat this as fatal; it signals a logic bug,
// not a recoverable condition.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint")
}

// UTCNow returns the current UTC time formatted as ISO-8601 to seconds,
// the canonical timestamp format for every table in the store.
func UTCNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
