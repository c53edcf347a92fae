package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// testDBType returns the configured test database type (default: "sqlite").
func testDBType() string {
	if v := os.Getenv("GATEKEEPER_TEST_DB_TYPE"); v != "" {
		return v
	}
	return "sqlite"
}

func testPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GATEKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEKEEPER_TEST_POSTGRES_DSN not set; skipping Postgres test")
	}
	return dsn
}

// setupTestDB creates a test database for the db package's own tests.
// This mirrors dbtest.NewTestDB but lives inside the db package to avoid
// a circular import (db -> dbtest -> db).
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	switch dbType := testDBType(); dbType {
	case "sqlite":
		database, err := OpenDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("failed to open SQLite test database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		return database

	case "postgres":
		database, err := OpenDB("postgres", testPostgresDSN(t))
		if err != nil {
			t.Fatalf("failed to open Postgres test database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		for _, table := range []string{"login_states", "audit_log"} {
			if _, err := database.ExecRaw("TRUNCATE TABLE " + table + " RESTART IDENTITY"); err != nil {
				t.Fatalf("failed to truncate %s: %v", table, err)
			}
		}
		return database

	default:
		t.Fatalf("unsupported GATEKEEPER_TEST_DB_TYPE: %s", dbType)
		return nil
	}
}

// resetPostgresDB drops every table so migrations start from scratch.
func resetPostgresDB(t *testing.T, dsn string) {
	t.Helper()

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS login_states",
		"DROP TABLE IF EXISTS audit_log",
		"DROP TABLE IF EXISTS schema_migrations",
	} {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("reset failed (%s): %v", stmt, err)
		}
	}
}
