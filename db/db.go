// Package db provides the SQL connection, schema migration and row helpers
// behind the Postgres and SQLite state backends.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "github.com/mattn/go-sqlite3"    // sqlite driver registered as 'sqlite3'
)

const sqlitePrefix = "sqlite://"

// Driver maps a state spec to a database/sql driver name and DSN.
// ok is false when the spec does not name a SQL backend.
func Driver(spec string) (driver, dsn string, ok bool) {
	switch {
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return "pgx", spec, true
	case strings.HasPrefix(spec, sqlitePrefix):
		return "sqlite3", strings.TrimPrefix(spec, sqlitePrefix), true
	default:
		return "", "", false
	}
}

// Connect opens and pings the database named by spec.
func Connect(ctx context.Context, spec string) (*sql.DB, error) {
	driver, dsn, ok := Driver(spec)
	if !ok {
		return nil, fmt.Errorf("not a sql state spec: %q", spec)
	}
	if driver == "sqlite3" {
		if dsn == "" {
			return nil, errors.New("sqlite: empty db path")
		}
		if dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0]); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: creating dir: %w", err)
			}
		}
	}
	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", driver, err)
	}
	if driver == "sqlite3" {
		database.SetMaxOpenConns(1)
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%s: ping: %w", driver, err)
	}
	return database, nil
}

// Migrate applies the idempotent schema. The statements are valid for both
// Postgres and SQLite (3.24+ for the upsert used by UpsertState).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS notifier_state (
			broadcaster TEXT PRIMARY KEY,
			was_live BOOLEAN NOT NULL DEFAULT FALSE,
			last_token TEXT NOT NULL DEFAULT '',
			token_expiry BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// StateRow is one broadcaster's persisted record.
type StateRow struct {
	WasLive     bool
	LastToken   string
	TokenExpiry int64
}

// GetState returns the row for broadcaster; found is false when there is none.
func GetState(ctx context.Context, dbx *sql.DB, broadcaster string) (row StateRow, found bool, err error) {
	err = dbx.QueryRowContext(ctx,
		`SELECT was_live, last_token, token_expiry FROM notifier_state WHERE broadcaster = $1`, broadcaster).
		Scan(&row.WasLive, &row.LastToken, &row.TokenExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRow{}, false, nil
	}
	if err != nil {
		return StateRow{}, false, err
	}
	return row, true, nil
}

// UpsertState overwrites the row for broadcaster.
func UpsertState(ctx context.Context, dbx *sql.DB, broadcaster string, row StateRow) error {
	q := `INSERT INTO notifier_state(broadcaster, was_live, last_token, token_expiry, updated_at)
		  VALUES($1,$2,$3,$4,CURRENT_TIMESTAMP)
		  ON CONFLICT(broadcaster) DO UPDATE SET
		    was_live=excluded.was_live,
		    last_token=excluded.last_token,
		    token_expiry=excluded.token_expiry,
		    updated_at=CURRENT_TIMESTAMP`
	_, err := dbx.ExecContext(ctx, q, broadcaster, row.WasLive, row.LastToken, row.TokenExpiry)
	return err
}
