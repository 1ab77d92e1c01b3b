package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the connection's driver.
func (db *DB) Migrate(logger *slog.Logger) error {
	var (
		dir string
		drv database.Driver
		err error
	)
	switch db.Driver {
	case DriverSQLite:
		dir = "migrations/sqlite"
		drv, err = sqlite3.WithInstance(db.Conn, &sqlite3.Config{})
	case DriverPostgres:
		dir = "migrations/postgres"
		drv, err = postgres.WithInstance(db.Conn, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", db.Driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, db.Driver, drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	// The sqlite3 driver closes the shared *sql.DB on Close; postgres only
	// returns its dedicated connection.
	if db.Driver == DriverPostgres {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}
