// Package sqldb wraps database/sql with the dialect hooks shared by the state
// and crypto stores: placeholder rebinding, row locking, snapshot transactions
// and error classification into the store error taxonomy.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"chatstore/pkg/domain"
)

// Dialect captures the engine differences the stores care about. Queries are
// written with "?" placeholders and rebound per dialect.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// ForUpdate is appended to point selects that must lock the row for the
	// rest of the transaction. Engines with database-level write locks return "".
	ForUpdate() string
	// SnapshotTxOptions returns options for a consistent multi-table read.
	SnapshotTxOptions() *sql.TxOptions
	// IsRetryable reports transient conflicts (busy, serialization, deadlock).
	IsRetryable(err error) bool
}

// DB is a dialect-aware handle.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Dialect returns the engine dialect.
func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying sql.DB for integration testing hooks.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the underlying pool.
func (d *DB) Close() error { return d.db.Close() }

// ExecContext runs a statement outside any transaction.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryContext runs a query outside any transaction.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryRowContext runs a single-row query outside any transaction.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// Tx is a dialect-aware transaction.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// ForUpdate returns the dialect's row-lock suffix.
func (t *Tx) ForUpdate() string { return t.dialect.ForUpdate() }

// InTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. fn's error is returned unchanged.
func (d *DB) InTx(ctx context.Context, opts *sql.TxOptions, fn func(*Tx) error) error {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&Tx{tx: tx, dialect: d.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Classify maps a raw backend error onto the store taxonomy. Errors that already
// carry a domain kind pass through untouched; an expired deadline becomes a
// TimeoutError; everything else is a StorageError.
func (d *DB) Classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range passthroughKinds {
		if errors.Is(err, kind) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.StorageError{Op: op, Retryable: d.dialect.IsRetryable(err), Err: err}
}

var passthroughKinds = []error{
	domain.ErrStorage,
	domain.ErrTimeout,
	domain.ErrMigration,
	domain.ErrDecrypt,
	domain.ErrCorruption,
	domain.ErrInvalidArgument,
	domain.ErrNotFound,
	domain.ErrMediaExists,
	domain.ErrEncryptionDisabled,
}

// RebindDollar rewrites "?" placeholders to "$1".."$n", leaving quoted literals alone.
func RebindDollar(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Millis converts t to the unix-millisecond integers stored in timestamp columns.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
