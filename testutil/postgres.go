package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/NFG-Linux/twitch-notifier/db"
)

// PostgresSpec returns TEST_PG_DSN, skipping the test when it is not set.
func PostgresSpec(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return dsn
}

// SQLiteSpec returns a sqlite:// state spec inside the test's temp dir.
func SQLiteSpec(t *testing.T) string {
	t.Helper()
	return "sqlite://" + filepath.Join(t.TempDir(), "state.db")
}

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return SetupDB(t, PostgresSpec(t))
}

// SetupDB connects to spec, migrates it and closes it on cleanup.
func SetupDB(t *testing.T, spec string) *sql.DB {
	t.Helper()
	ctx := context.Background()
	database, err := db.Connect(ctx, spec)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
