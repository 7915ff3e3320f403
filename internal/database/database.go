package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the durable delivery store.
type DB struct {
	*sql.DB
}

// NewDB opens the SQLite database at dataSourceName and applies any pending
// migrations before returning, so a database created by an older release is
// upgraded in place before first use.
func NewDB(dataSourceName string) (*DB, error) {
	logging.Info("Opening database connection to: %s", dataSourceName)

	dbConn, err := sql.Open("sqlite3", dsn(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyMigrations(dbConn, 0); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	// SQLite allows one writer at a time. A single connection serialises
	// writers from concurrent account tasks and the status API.
	dbConn.SetMaxOpenConns(1)
	dbConn.SetMaxIdleConns(1)

	logging.Info("Database connection successful.")
	return &DB{dbConn}, nil
}

// dsn appends the connection options to a file path: WAL journaling, a busy
// timeout for lock contention, and foreign keys.
func dsn(path string) string {
	u, err := url.Parse(path)
	if err != nil {
		u = &url.URL{Path: path}
	}
	q := u.Query()
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_synchronous", "NORMAL")
	u.RawQuery = q.Encode()
	return u.String()
}

// applyMigrations migrates the schema to version target, or to the latest
// version when target is 0.
func applyMigrations(db *sql.DB, target uint) error {
	logging.Info("Checking database migrations...")

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	defer src.Close()

	// The driver borrows db; closing the driver would close the main connection.
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrate instance: %w", err)
	}

	if target == 0 {
		err = m.Up()
	} else {
		err = m.Migrate(target)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logging.Info("Database schema is up to date.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	logging.Info("Database migrations applied successfully (schema version %d).", version)
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	logging.Info("Closing database connection.")
	return db.DB.Close()
}
