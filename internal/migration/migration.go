// Package migration provides versioned schema migrations for the
// embedded item catalog. Each migration runs at most once; applied
// versions are recorded in a schema_migrations table.
package migration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Status represents the outcome of one migration step.
type Status string

const (
	// StatusApplied indicates the step ran in this invocation.
	StatusApplied Status = "applied"

	// StatusSkipped indicates the step had already been applied.
	StatusSkipped Status = "skipped"
)

// Migration is one ordered schema step.
type Migration struct {
	// Version is the unique, ascending migration number.
	Version int

	// Name describes the step for logs and bookkeeping.
	Name string

	// SQL is the DDL to execute.
	SQL string
}

// Apply runs every unapplied migration in version order inside its own
// transaction and records it in schema_migrations.
func Apply(ctx context.Context, db *sql.DB, migrations []Migration, logger zerolog.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		status, err := applyOne(ctx, db, m)
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		logger.Debug().
			Int("version", m.Version).
			Str("name", m.Name).
			Str("status", string(status)).
			Msg("schema migration")
	}

	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) (Status, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version,
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check migration state: %w", err)
	}
	if exists > 0 {
		return StatusSkipped, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return "", fmt.Errorf("failed to execute DDL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name,
	); err != nil {
		return "", fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit migration: %w", err)
	}
	return StatusApplied, nil
}
