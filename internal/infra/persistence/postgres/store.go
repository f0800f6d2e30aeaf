// Package postgres opens a PostgreSQL pool through the pgx database/sql driver
// and supplies the Postgres dialect hooks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"chatstore/internal/sqldb"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/chatstore?sslmode=disable"
)

// SQLSTATE codes that indicate a transient conflict.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect implements sqldb.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqldb.Dialect = Dialect{}

// Name returns the migration directory name.
func (Dialect) Name() string { return "postgres" }

// Rebind rewrites "?" placeholders to "$n".
func (Dialect) Rebind(query string) string { return sqldb.RebindDollar(query) }

// ForUpdate locks the selected row until the transaction ends.
func (Dialect) ForUpdate() string { return " FOR UPDATE" }

// SnapshotTxOptions returns a read-only repeatable-read transaction, which in
// Postgres reads a single snapshot taken at the first statement.
func (Dialect) SnapshotTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// IsRetryable reports serialization failures, deadlocks and transient
// connection conditions.
func (Dialect) IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeTooManyConnections, codeAdminShutdown:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// Open connects to dsn (falling back to defaultDSN) and verifies the
// connection. poolMax <= 0 leaves the pool unbounded.
func Open(ctx context.Context, dsn string, poolMax int) (*sqldb.DB, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if poolMax > 0 {
		db.SetMaxOpenConns(poolMax)
		db.SetMaxIdleConns(poolMax)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return sqldb.New(db, Dialect{}), nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
