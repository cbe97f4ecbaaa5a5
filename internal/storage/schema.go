package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// ensureReady brings the store to the current schema version. All DDL
// uses IF NOT EXISTS, so running it against an existing database is a
// no-op apart from pending migrations.
func (db *DB) ensureReady() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == 0 {
		return db.initializeSchema()
	}

	return db.runMigrations(version)
}

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		// Create schema_version table first
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}

		// Create all application tables
		if err := createBiomarkersTable(tx); err != nil {
			return err
		}
		if err := createReadingsTable(tx); err != nil {
			return err
		}
		if err := createReferenceRangesTable(tx); err != nil {
			return err
		}

		// Set initial schema version
		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", "version", currentSchemaVersion)

		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations(version int) error {
	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", "version", version)
		return nil
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}

	db.logger.Info("Running schema migrations",
		"from_version", version, "to_version", currentSchemaVersion)

	// Migrations run in order, each in its own transaction.
	for v := version + 1; v <= currentSchemaVersion; v++ {
		if err := db.migrateTo(v); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v, err)
		}
	}

	return nil
}

// migrateTo applies the migration that produces schema version v.
func (db *DB) migrateTo(v int) error {
	return db.WithTx(func(tx *sql.Tx) error {
		switch v {
		// Version 1 is the initial schema; nothing migrates to it.
		default:
			return fmt.Errorf("unknown schema version %d", v)
		}
	})
}

// SchemaVersion reports the schema version of the open store.
func (db *DB) SchemaVersion() (int, error) {
	return db.getSchemaVersion()
}

// getSchemaVersion returns the current schema version, or 0 for an
// uninitialized database.
func (db *DB) getSchemaVersion() (int, error) {
	// Check if schema_version table exists
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // New database
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}

	return version, nil
}

// setSchemaVersion updates the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	// Delete existing version and insert new one
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// createSchemaVersionTable creates the schema version tracking table
func createSchemaVersionTable(tx *sql.Tx) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`
	if _, err := tx.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

// createBiomarkersTable creates the biomarkers table.
// Names collate NOCASE so the unique index enforces case-insensitive
// uniqueness and lookups match regardless of case.
func createBiomarkersTable(tx *sql.Tx) error {
	query := `
		CREATE TABLE IF NOT EXISTS biomarkers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL COLLATE NOCASE,
			unit TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			visible INTEGER NOT NULL DEFAULT 1,
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)
	`
	if _, err := tx.Exec(query); err != nil {
		return fmt.Errorf("failed to create biomarkers table: %w", err)
	}

	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_biomarkers_name ON biomarkers(name)",
		"CREATE INDEX IF NOT EXISTS idx_biomarkers_display_order ON biomarkers(display_order)",
	}

	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create biomarkers index: %w", err)
		}
	}

	return nil
}

// createReadingsTable creates the readings table.
// Timestamps are stored as UTC RFC3339 text, so lexical order equals
// chronological order and range scans can use the composite index.
func createReadingsTable(tx *sql.Tx) error {
	query := `
		CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			biomarker_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			value REAL NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (biomarker_id) REFERENCES biomarkers(id) ON DELETE CASCADE
		)
	`
	if _, err := tx.Exec(query); err != nil {
		return fmt.Errorf("failed to create readings table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_readings_biomarker_id ON readings(biomarker_id)",
		"CREATE INDEX IF NOT EXISTS idx_readings_biomarker_timestamp ON readings(biomarker_id, timestamp)",
	}

	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create readings index: %w", err)
		}
	}

	return nil
}

// createReferenceRangesTable creates the reference_ranges table.
// At most one range per biomarker; the kind decides which bounds apply.
func createReferenceRangesTable(tx *sql.Tx) error {
	query := `
		CREATE TABLE IF NOT EXISTS reference_ranges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			biomarker_id INTEGER NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK (kind IN ('below', 'above', 'between')),
			lower_bound REAL,
			upper_bound REAL,
			FOREIGN KEY (biomarker_id) REFERENCES biomarkers(id) ON DELETE CASCADE
		)
	`
	if _, err := tx.Exec(query); err != nil {
		return fmt.Errorf("failed to create reference_ranges table: %w", err)
	}

	return nil
}
