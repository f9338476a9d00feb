package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSchemaTooNew is returned when the on-disk schema version exceeds
// the version this build supports. Running old code against a newer
// schema risks corrupting learned data.
var ErrSchemaTooNew = errors.New("database schema version is newer than supported; upgrade tern")

// Migration is a single forward-only schema migration.
type Migration struct {
	Version int
	SQL     string
}

// Migrations returns all migrations in order. They are idempotent
// (CREATE IF NOT EXISTS) and applied in sequence inside transactions.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, SQL: schemaV1},
		{Version: 2, SQL: schemaV2},
	}
}

// GetSchemaVersion returns the highest applied migration version, or 0
// when no migrations have run yet.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&tableName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations
	`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// RunMigrations applies all pending migrations. It refuses to run when
// the database version exceeds SchemaVersion.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_ts INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: database version %d, supported version %d",
			ErrSchemaTooNew, current, SchemaVersion)
	}

	for _, m := range Migrations() {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.Version, err)
		}
	}
	return nil
}

// applyMigration runs one migration within a transaction.
func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Best effort rollback on error

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, applied_ts) VALUES (?, ?)
	`, m.Version, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// ValidateSchema checks that all expected tables and indexes exist.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range AllTables {
		var name string
		err := db.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master WHERE type='table' AND name=?
		`, table).Scan(&name)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("table %q does not exist", table)
			}
			return fmt.Errorf("failed to check table %q: %w", table, err)
		}
	}

	for _, index := range AllIndexes {
		var name string
		err := db.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master WHERE type='index' AND name=?
		`, index).Scan(&name)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("index %q does not exist", index)
			}
			return fmt.Errorf("failed to check index %q: %w", index, err)
		}
	}
	return nil
}
