// ABOUTME: Durable key-indexed store backed by SQLite
// ABOUTME: Opens with production pragmas; stores apply their own schemas

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the shared database handle the component stores operate on.
// Each store (audit, snapshot, version) applies its own schema fragment
// against the same handle at construction.
type DB struct {
	SQL *sql.DB
}

// Open opens or creates the database at path with the production pragmas:
// WAL journaling, foreign keys on, busy timeout, NORMAL synchronous.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &DB{SQL: db}, nil
}

// OpenMemory opens a private in-memory database. A single connection keeps
// the database alive for the life of the handle.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("foreign_keys: %w", err)
	}

	return &DB{SQL: db}, nil
}

// ApplySchema executes a schema fragment. Fragments must be idempotent
// (CREATE TABLE IF NOT EXISTS).
func (d *DB) ApplySchema(schema string) error {
	if _, err := d.SQL.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.SQL.Close()
}
