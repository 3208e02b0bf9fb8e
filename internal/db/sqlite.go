package db

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ensureDir ensures the parent directory of the DB file exists
func ensureDir(dbFile string) error {
	dir := filepath.Dir(dbFile)
	return os.MkdirAll(dir, 0755)
}

func checkDriver(driver string) error {
	if driver != DriverModernc && driver != DriverCGO {
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	return nil
}

// NewSQLiteDB creates a new SQLite connection
func NewSQLiteDB(driver, dbFile string) (*sqlx.DB, error) {
	if err := checkDriver(driver); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute database path: %w", err)
	}

	if err := ensureDir(absPath); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect(driver, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single connection serializes writers; per-connection pragmas stick.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RunMigrations applies the embedded schema migrations on a dedicated connection.
func RunMigrations(driver, dbFile string) error {
	if err := checkDriver(driver); err != nil {
		return err
	}

	absDB, err := filepath.Abs(dbFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute DB path: %w", err)
	}

	if err := ensureDir(absDB); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	migrateDB, err := sqlx.Connect(driver, absDB)
	if err != nil {
		return fmt.Errorf("failed to connect for migrations: %w", err)
	}
	defer migrateDB.Close()

	var instance database.Driver
	switch driver {
	case DriverCGO:
		instance, err = sqlite3.WithInstance(migrateDB.DB, &sqlite3.Config{})
	default:
		instance, err = sqlite.WithInstance(migrateDB.DB, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open connects and migrates in one step.
func Open(driver, dbFile string) (*sqlx.DB, error) {
	if err := RunMigrations(driver, dbFile); err != nil {
		return nil, err
	}
	return NewSQLiteDB(driver, dbFile)
}
