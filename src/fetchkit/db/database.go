// Package db provides the SQLite-backed record store for the download cache.
// Local-file records must survive process crashes without a clean shutdown,
// so the database is opened file-backed with a busy timeout rather than
// in-memory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bitswalk/fetchkit/src/common/paths"
	"github.com/bitswalk/fetchkit/src/fetchkit/db/migrations"
)

// Database wraps the SQLite connection for the local-file record store.
type Database struct {
	db           *sql.DB
	path         string
	shutdownOnce sync.Once
}

// Config holds the database configuration
type Config struct {
	// Path is the database file path. Empty selects a private in-memory
	// database (used by tests).
	Path string
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{Path: "~/.fetchkit/fetchkit.db"}
}

// New opens (creating if needed) the record database and applies migrations.
func New(cfg Config) (*Database, error) {
	// A private in-memory database stays alive because the pool is pinned to
	// a single connection below.
	dsn := "file::memory:?_busy_timeout=5000"
	path := ""
	if cfg.Path != "" {
		path = paths.Expand(cfg.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the pool's
	// connections; the record store's write rate is tiny.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	runner := migrations.NewRunner(db)
	if err := runner.Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{
		db:   db,
		path: path,
	}, nil
}

// DB returns the underlying sql.DB for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the database file path ("" for in-memory).
func (d *Database) Path() string {
	return d.path
}

// Shutdown closes the connection. Safe to call more than once.
func (d *Database) Shutdown() error {
	var shutdownErr error
	d.shutdownOnce.Do(func() {
		if err := d.db.Close(); err != nil {
			shutdownErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return shutdownErr
}
