// Package migrations versions the record-store schema. Each migration runs in
// its own transaction and is recorded in schema_migrations, so a database can
// be opened by any engine version at or above the one that created it.
package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bitswalk/fetchkit/src/common/logs"
)

var log *logs.Logger

// SetLogger sets the logger for the migrations package
func SetLogger(l *logs.Logger) {
	log = l
}

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// all lists every migration in apply order. New migrations append here with
// the next version number.
func all() []Migration {
	return []Migration{
		migration001LocalFiles(),
	}
}

// Runner applies pending migrations to a database.
type Runner struct {
	db *sql.DB
}

// NewRunner creates a runner over the given connection.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Run applies every migration not yet recorded in schema_migrations.
func (r *Runner) Run() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range all() {
		if applied[m.Version] {
			continue
		}
		if err := r.apply(m); err != nil {
			return err
		}
		if log != nil {
			log.Info("Applied migration", "version", m.Version, "description", m.Description)
		}
	}
	return nil
}

func (r *Runner) apply(m Migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}

	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

func (r *Runner) appliedVersions() (map[int]bool, error) {
	rows, err := r.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
