// Package store is the persistence layer: an embedded SQLite database
// under the config root. It is the sole writer of persisted rows; all
// other components read and mutate through it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	_ "modernc.org/sqlite"
)

// Store wraps the SQL database with typed queries per entity.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database at the given path and configures it for
// concurrent use (WAL mode, foreign keys enabled).
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign key enforcement.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// DB exposes the raw handle for migrations and shutdown checkpointing.
func (s *Store) DB() *sql.DB { return s.db }

// Close checkpoints the WAL into the main database file and closes the
// handle.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return s.db.Close()
}

// wrapErr maps driver errors to boundary kinds: unique-constraint
// violations become conflict, missing rows not_found, everything else
// internal.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &errdefs.Error{Code: errdefs.CodeNotFound, Message: op, Err: err}
	}
	if isUniqueViolation(err) {
		return &errdefs.Error{Code: errdefs.CodeConflict, Message: op, Err: err}
	}
	return errdefs.Internal(op, err)
}

// isUniqueViolation detects SQLite unique-constraint errors. The
// modernc driver surfaces them as plain errors carrying the SQLite
// message text.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
