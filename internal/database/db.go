package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// sqliteParams make every transaction take the write lock up front, so two
// reconciliations on the same file cannot interleave their read and write.
var sqliteParams = []string{
	"_txlock=immediate",
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_foreign_keys=on",
}

// DB wraps the sql.DB connection
type DB struct {
	Conn   *sql.DB
	Driver string
}

// Open connects to the database, verifies it with a ping and applies
// migrations.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch driver {
	case DriverSQLite:
		dsn = withSQLiteParams(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn, Driver: driver}

	if err := db.Migrate(logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database initialized", slog.String("driver", driver))
	return db, nil
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Conn.Close()
}

func withSQLiteParams(dsn string) string {
	var missing []string
	for _, p := range sqliteParams {
		name := p[:strings.IndexByte(p, '=')]
		if !strings.Contains(dsn, name+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}
