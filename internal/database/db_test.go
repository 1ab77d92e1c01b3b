package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identityrecon/internal/sentinel"
)

func TestWithSQLiteParams(t *testing.T) {
	assert.Equal(t,
		"./x.db?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on",
		withSQLiteParams("./x.db"))
	assert.Equal(t,
		"file:x.db?_busy_timeout=100&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on",
		withSQLiteParams("file:x.db?_busy_timeout=100"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.db")
	ctx := context.Background()

	db, err := Open(ctx, DriverSQLite, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening an already-migrated database must not fail.
	db, err = Open(ctx, DriverSQLite, path, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping(ctx))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", nil)
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := contactQueries{driver: DriverPostgres}
	lite := contactQueries{driver: DriverSQLite}

	q := `SELECT 1 WHERE a = ? AND (b = ? OR c = ?)`
	assert.Equal(t, `SELECT 1 WHERE a = $1 AND (b = $2 OR c = $3)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, sentinel.ErrConflict},
		{"deadlock", fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"}), sentinel.ErrConflict},
		{"connection failure", &pq.Error{Code: "08006"}, sentinel.ErrUnavailable},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, sentinel.ErrConflict},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, sentinel.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	t.Run("other errors pass through untagged", func(t *testing.T) {
		plain := errors.New("syntax error")
		got := classify(plain)
		assert.Same(t, plain, got)
		assert.NotErrorIs(t, got, sentinel.ErrConflict)
	})
}

func TestTimestampScan(t *testing.T) {
	var ts timestamp
	require.NoError(t, ts.Scan("2026-01-02 03:04:05.123456789+00:00"))
	assert.True(t, ts.Valid)
	assert.Equal(t, 123456789, ts.Time.Nanosecond())

	require.NoError(t, ts.Scan(nil))
	assert.False(t, ts.Valid)

	require.Error(t, ts.Scan(42))
}
