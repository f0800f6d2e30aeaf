// Package sqlite opens the embedded SQLite engine used by the single-user
// deployments and supplies its dialect hooks.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chatstore/internal/sqldb"
)

const (
	driverName  = "sqlite"
	defaultPath = "chatstore.db"
	// BusyTimeoutMillis bounds how long a connection waits for the write lock.
	BusyTimeoutMillis = 5000
)

var memSeq uint64

// Dialect implements sqldb.Dialect for SQLite.
type Dialect struct{}

var _ sqldb.Dialect = Dialect{}

// Name returns the migration directory name.
func (Dialect) Name() string { return "sqlite" }

// Rebind is the identity: SQLite accepts "?" placeholders.
func (Dialect) Rebind(query string) string { return query }

// ForUpdate is empty: every write transaction begins IMMEDIATE and holds the
// database write lock until it ends.
func (Dialect) ForUpdate() string { return "" }

// SnapshotTxOptions returns nil; an IMMEDIATE transaction already reads a
// consistent snapshot in WAL mode.
func (Dialect) SnapshotTxOptions() *sql.TxOptions { return nil }

// IsRetryable reports SQLITE_BUSY and SQLITE_LOCKED.
func (Dialect) IsRetryable(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Open opens (creating if needed) the database file at path. SQLite allows a
// single writer, so poolMax values below 1 fall back to one connection.
func Open(path string, poolMax int) (*sqldb.DB, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	return open(dsn("file:"+path), poolMax)
}

// OpenMemory opens a private in-memory database that lives as long as the
// returned handle. It is pinned to one connection so every query sees the
// same database.
func OpenMemory() (*sqldb.DB, error) {
	name := fmt.Sprintf("file:chatstore-mem-%d", atomic.AddUint64(&memSeq, 1))
	return open(dsn(name+"?mode=memory&cache=shared"), 1)
}

func open(dataSource string, poolMax int) (*sqldb.DB, error) {
	db, err := sql.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if poolMax < 1 {
		poolMax = 1
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return sqldb.New(db, Dialect{}), nil
}

// dsn appends the per-connection pragmas. Pragmas in the DSN are applied to
// every pooled connection, unlike a one-off PRAGMA statement.
func dsn(base string) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeoutMillis))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	sep := "?"
	if u, err := url.Parse(base); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return base + sep + params.Encode()
}
