package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Runner applies the embedded migrations to a PostgreSQL handle.
//
// The handle stays owned by the caller: golang-migrate leases one connection
// from it, and Close releases that lease without touching the pool.
type Runner struct {
	m *migrate.Migrate
}

// NewRunner validates the embedded set and prepares a migrate instance over db.
func NewRunner(db *sql.DB) (*Runner, error) {
	if err := Validate(); err != nil {
		return nil, fmt.Errorf("embedded migrations are invalid: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare postgres migration driver: %w", err)
	}

	source, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: slog.New(slog.NewJSONHandler(os.Stdout, nil))}

	return &Runner{m: m}, nil
}

// Up applies every pending migration. An already current schema is not an error.
func (r *Runner) Up() error {
	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Down rolls back the most recent migration. Nothing applied is not an error.
func (r *Runner) Down() error {
	if err := r.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	return nil
}

// Version reports the current schema version and whether it is dirty.
// A database with no migrations applied reports version 0, clean.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}

	return version, dirty, nil
}

// Drop removes everything in the database. Destructive, test use only.
func (r *Runner) Drop() error {
	if err := r.m.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	return nil
}

// Close releases the leased connection and the embedded source.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.m.Close()

	return errors.Join(sourceErr, dbErr)
}

// Apply brings the schema up to date in one call: validate, migrate up,
// release the lease. This is what the aggregator runs at startup.
func Apply(db *sql.DB) error {
	runner, err := NewRunner(db)
	if err != nil {
		return err
	}

	defer func() {
		_ = runner.Close()
	}()

	return runner.Up()
}

// migrateLogger forwards golang-migrate output to slog.
type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info("migrate: " + fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
