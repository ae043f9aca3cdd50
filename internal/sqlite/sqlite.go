// Package sqlite implements the persistent store for alerts, notifications,
// deliveries, dead letters, and the financial entities the evaluation engine
// reads.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/finsentry/finsentry/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned when an optimistic concurrency check fails on
// an alert's state version.
var ErrStateConflict = errors.New("alert state modified concurrently")

// IsStateConflict reports whether err is an optimistic concurrency failure
// from CommitTrigger.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// DB provides access to the SQLite database. It uses separate connections for
// reads and writes to suit SQLite's WAL mode, which allows concurrent readers
// but only one writer at a time.
type DB struct {
	readDB  *sql.DB
	writeDB *sql.DB
	log     *slog.Logger
}

// Options holds configuration for creating a new DB instance.
type Options struct {
	Logger *slog.Logger
	Config config.SQLiteConfig
}

// New opens the database, applies pragmas, runs migrations, and returns a DB
// ready for use.
func New(opts Options) (*DB, error) {
	log := opts.Logger.With("component", "sqlite")

	if err := runMigrations(opts.Config.Path, log); err != nil {
		return nil, err
	}

	readDB, err := sql.Open("sqlite", opts.Config.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(25)
	readDB.SetMaxIdleConns(10)
	readDB.SetConnMaxLifetime(30 * time.Minute)
	if err := setPragmas(readDB); err != nil {
		readDB.Close()
		return nil, fmt.Errorf("error setting pragmas on read database: %w", err)
	}

	// _txlock=immediate acquires the write lock up front so concurrent
	// writers queue instead of deadlocking mid-transaction.
	writeDB, err := sql.Open("sqlite", opts.Config.Path+"?_txlock=immediate")
	if err != nil {
		readDB.Close()
		return nil, fmt.Errorf("error opening write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	if err := setPragmas(writeDB); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, fmt.Errorf("error setting pragmas on write database: %w", err)
	}

	log.Debug("sqlite initialized", "path", opts.Config.Path)
	return &DB{readDB: readDB, writeDB: writeDB, log: log}, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	var errs []error
	if err := db.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func runMigrations(dsn string, log *slog.Logger) error {
	migrationDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("error opening migration database: %w", err)
	}
	defer migrationDB.Close()

	if _, err := migrationDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("error setting busy_timeout on migration database: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("error loading embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(migrationDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("error creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error applying migrations: %w", err)
	}
	log.Debug("migrations applied")
	return nil
}

func setPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to exec %q: %w", pragma, err)
		}
	}
	return nil
}
