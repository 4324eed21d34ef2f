// Package store wraps the embedded SQLite database: schema bootstrap, the
// transactional write path used by the indexer, and the read queries shared
// by the search facade and the transport.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

// Store is the embedded relational database with its full-text shadow.
// It assumes a single writer (the indexer) and any number of readers.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the idempotent
// schema bootstrap.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer keeps the FTS shadow consistent; readers multiplex
	// over the same connection pool.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	L_debug("store: opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-side collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Reset drops and recreates everything. This is the only destructive schema
// operation and is never performed implicitly.
func (s *Store) Reset() error {
	L_info("store: resetting database", "path", s.path)
	if err := dropAll(s.db); err != nil {
		return err
	}
	return initSchema(s.db)
}
