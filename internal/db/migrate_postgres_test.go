package db

import (
	"database/sql"
	"testing"
)

func TestRunMigrations_Postgres(t *testing.T) {
	if testDBType() != "postgres" {
		t.Skip("Postgres-specific migration test")
	}
	dsn := testPostgresDSN(t)
	resetPostgresDB(t, dsn)

	if err := runMigrations("postgres", dsn); err != nil {
		t.Fatalf("runMigrations() error = %v", err)
	}
	// A second run is a no-op.
	if err := runMigrations("postgres", dsn); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"login_states", "audit_log"} {
		var count int
		if err := conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("table %q does not exist: %v", table, err)
		}
	}

	var indexCount int
	err = conn.QueryRow(
		"SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'login_states' AND indexname LIKE '%expires_at%'",
	).Scan(&indexCount)
	if err != nil {
		t.Fatalf("failed to query indexes: %v", err)
	}
	if indexCount == 0 {
		t.Error("expected an index on login_states.expires_at")
	}
}
