// Package storage owns the SQLite store: schema lifecycle, the
// biomarker/reading/reference-range repositories, and the write gate
// that serializes restores against every other mutating operation.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	mederrors "medidash/internal/errors"
	"medidash/internal/paths"
)

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeoutMs int
	CacheSizeKB   int
}

// DefaultOptions returns the standard connection tuning.
func DefaultOptions() Options {
	return Options{
		BusyTimeoutMs: 5000,
		CacheSizeKB:   64000,
	}
}

// DB represents a database connection with transaction helpers.
// The embedded gate gives restore exclusive access: ordinary writers
// hold it shared and fail fast with Busy while a restore is running.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	dbPath string
	gate   sync.RWMutex
}

// Open opens or creates the SQLite store at <dataDir>/medidash.db with
// default options. The schema is created or migrated as needed; any
// failure to do so is a StorageUnavailable error.
func Open(dataDir string, logger *slog.Logger) (*DB, error) {
	return OpenWithOptions(dataDir, DefaultOptions(), logger)
}

// OpenWithOptions opens the store with explicit connection tuning.
func OpenWithOptions(dataDir string, opts Options, logger *slog.Logger) (*DB, error) {
	if err := paths.EnsureDataDir(dataDir); err != nil {
		return nil, mederrors.Storagef(err, "cannot create data directory %s", dataDir)
	}

	dbPath := paths.DatabasePath(dataDir)
	dbExists := fileExists(dbPath)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, mederrors.Storagef(err, "cannot open database %s", dbPath)
	}

	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = DefaultOptions().BusyTimeoutMs
	}
	if opts.CacheSizeKB <= 0 {
		opts.CacheSizeKB = DefaultOptions().CacheSizeKB
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // Write-Ahead Logging for better concurrency
		"PRAGMA synchronous=NORMAL", // Balance between safety and performance
		"PRAGMA foreign_keys=ON",    // Enable foreign key constraints
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeoutMs),
		fmt.Sprintf("PRAGMA cache_size=-%d", opts.CacheSizeKB),
		"PRAGMA temp_store=MEMORY",      // Use memory for temp tables
		"PRAGMA mmap_size=268435456",    // 256MB mmap
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, mederrors.Storagef(err, "cannot set pragma")
		}
	}

	db := &DB{
		conn:   conn,
		logger: logger,
		dbPath: dbPath,
	}

	if !dbExists {
		logger.Info("Creating new database", "path", dbPath)
	}

	// ensureReady is idempotent: it creates missing structures and runs
	// forward migrations, never destroying existing data.
	if err := db.ensureReady(); err != nil {
		conn.Close()
		return nil, mederrors.Storagef(err, "cannot initialize schema")
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.dbPath
}

// Logger returns the logger the store was opened with.
func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// BeginTx starts a new transaction
func (db *DB) BeginTx() (*sql.Tx, error) {
	return db.conn.Begin()
}

// WithTx executes a function within a transaction.
// If the function returns an error, the transaction is rolled back;
// otherwise it is committed.
func (db *DB) WithTx(fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-throw panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("failed to rollback transaction",
				"error", err, "rollback_error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithWriteTx runs fn in a transaction while holding the write gate
// shared. It fails fast with Busy while a restore holds the gate
// exclusively; it never blocks waiting for one.
func (db *DB) WithWriteTx(fn func(*sql.Tx) error) error {
	if !db.gate.TryRLock() {
		return mederrors.Busyf("restore in progress, retry shortly")
	}
	defer db.gate.RUnlock()
	return db.WithTx(fn)
}

// WithExclusiveTx runs fn in a transaction while holding the write gate
// exclusively, locking out every other mutating operation. It fails
// fast with Busy if any writer currently holds the gate.
func (db *DB) WithExclusiveTx(fn func(*sql.Tx) error) error {
	if !db.gate.TryLock() {
		return mederrors.Busyf("store is busy, retry shortly")
	}
	defer db.gate.Unlock()
	return db.WithTx(fn)
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
