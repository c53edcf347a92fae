// Package db persists sign-in state and the audit trail for Gatekeeper.
// SQLite is the default backend; Postgres is supported for multi-replica
// deployments so that any replica can complete a login started by another.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrLoginStateNotFound is returned when a login state is unknown or was
// already consumed.
var ErrLoginStateNotFound = errors.New("login state not found")

// LoginState is a pending sign-in redirect. It ties the CSRF state sent to
// the identity provider to the PKCE verifier, the OIDC nonce and the URI to
// restore once the user is back.
type LoginState struct {
	bun.BaseModel `bun:"table:login_states"`

	State        string    `bun:"state,pk"`
	CodeVerifier string    `bun:"code_verifier,notnull"`
	Nonce        string    `bun:"nonce,notnull"`
	OriginalURI  string    `bun:"original_uri,notnull"`
	ExpiresAt    time.Time `bun:"expires_at,notnull"`
}

// AuditLog represents an audit log entry
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_log"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	Timestamp time.Time `json:"timestamp" bun:"timestamp,nullzero,notnull,default:current_timestamp"`
	User      string    `json:"user" bun:"username,notnull"`
	Action    string    `json:"action" bun:"action,notnull"`
	Details   string    `json:"details" bun:"details"`
}

// DB wraps the bun.DB connection
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (db *DB) DBType() string {
	return db.dbType
}

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN,
// runs any pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	driverName, err := driverFor(dbType)
	if err != nil {
		return nil, err
	}

	// For SQLite in-memory databases, use shared cache so that the migration
	// connection (opened separately by golang-migrate) sees the same database.
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// busy_timeout waits up to 5 seconds for locks to clear
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		// Keep at least one connection open so in-memory databases survive.
		conn.SetMaxIdleConns(1)
	}

	// Migrations use their own connection to avoid m.Close() side effects.
	if err := runMigrations(dbType, dsn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

func driverFor(dbType string) (string, error) {
	switch dbType {
	case "sqlite":
		return "sqlite", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.bun.PingContext(ctx)
}

// ExecRaw runs a raw statement. Intended for test helpers.
func (db *DB) ExecRaw(query string, args ...any) (sql.Result, error) {
	return db.bun.ExecContext(context.Background(), query, args...)
}

// SaveLoginState stores a pending sign-in redirect.
func (db *DB) SaveLoginState(ctx context.Context, state LoginState) error {
	state.ExpiresAt = state.ExpiresAt.UTC()
	if _, err := db.bun.NewInsert().Model(&state).Exec(ctx); err != nil {
		return fmt.Errorf("save login state: %w", err)
	}
	return nil
}

// ConsumeLoginState atomically loads and deletes a login state, so a state
// can complete at most one callback.
func (db *DB) ConsumeLoginState(ctx context.Context, state string) (*LoginState, error) {
	var entry LoginState
	err := db.bun.RunInTx(ctx, nil, func(txCtx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().Model(&entry).Where("state = ?", state).Scan(txCtx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*LoginState)(nil)).Where("state = ?", state).Exec(txCtx)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoginStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume login state: %w", err)
	}
	return &entry, nil
}

// CleanupExpiredLoginStates removes login states that expired before now and
// returns how many were deleted.
func (db *DB) CleanupExpiredLoginStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.bun.NewDelete().Model((*LoginState)(nil)).
		Where("expires_at < ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup login states: %w", err)
	}
	return res.RowsAffected()
}

// LogAudit creates an audit log entry
func (db *DB) LogAudit(ctx context.Context, user, action, details string) error {
	entry := AuditLog{
		Timestamp: time.Now().UTC(),
		User:      user,
		Action:    action,
		Details:   details,
	}
	if _, err := db.bun.NewInsert().Model(&entry).Exec(ctx); err != nil {
		return fmt.Errorf("log audit: %w", err)
	}
	return nil
}

// ListAuditLogs returns the most recent audit entries, newest first.
func (db *DB) ListAuditLogs(ctx context.Context, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []AuditLog
	err := db.bun.NewSelect().Model(&logs).
		OrderExpr("timestamp DESC, id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}
