package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"
)

// Store wraps the daemon's SQLite database and exposes the task/agent/
// workflow/question/event operations the scheduler and HTTP API need.
// All cross-table invariants (cascade delete, acyclic reparent, claim/status
// coupling) are enforced here, at the store API boundary, rather than left
// to callers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the daemon database under covenDir,
// applying migrations.
func Open(covenDir string) (*Store, error) {
	dbPath := filepath.Join(covenDir, "coven.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := OpenDB(":memory:")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return CloseDB(s.db)
}

// DB returns the underlying *sql.DB, for components (e.g. retention
// sweeps) that need direct access outside the Store's own API surface.
func (s *Store) DB() *sql.DB {
	return s.db
}

func now() time.Time {
	return time.Now().UTC()
}

// txDo runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (s *Store) txDo(fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
