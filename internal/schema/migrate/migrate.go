// Package migrate applies the embedded forward-only schema migrations and
// tracks the applied version in a single-row version table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatstore/internal/observe"
	"chatstore/internal/schema/sqlbundle"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

const versionTableDDL = `CREATE TABLE IF NOT EXISTS schema_version (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL,
    updated_at BIGINT NOT NULL
)`

// Manager applies migrations for one dialect.
type Manager struct {
	db         *sqldb.DB
	migrations []sqlbundle.Migration
	logger     observe.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for migration progress.
func WithLogger(logger observe.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMigrations overrides the embedded migration set.
func WithMigrations(migrations []sqlbundle.Migration) Option {
	return func(m *Manager) { m.migrations = migrations }
}

// WithClock overrides the clock used to stamp the version row.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a manager for db using the migrations embedded for its dialect.
func New(db *sqldb.DB, opts ...Option) (*Manager, error) {
	m := &Manager{db: db, logger: observe.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.migrations == nil {
		migrations, err := sqlbundle.Migrations(db.Dialect().Name())
		if err != nil {
			return nil, &domain.MigrationError{Dialect: db.Dialect().Name(), Err: err}
		}
		m.migrations = migrations
	}
	return m, nil
}

// Latest returns the highest version this binary knows about.
func (m *Manager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Dialect names the SQL dialect the migrations target.
func (m *Manager) Dialect() string { return m.db.Dialect().Name() }

// Current returns the applied schema version, creating the version table when absent.
func (m *Manager) Current(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, m.fail(0, err)
	}
	var version int
	if err := m.db.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&version); err != nil {
		return 0, m.fail(0, fmt.Errorf("read schema version: %w", err))
	}
	return version, nil
}

// Pending lists the versions Migrate would apply.
func (m *Manager) Pending(ctx context.Context) ([]int, error) {
	current, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current > m.Latest() {
		return nil, m.tooNew(current)
	}
	var out []int
	for _, mig := range m.migrations {
		if mig.Version > current {
			out = append(out, mig.Version)
		}
	}
	return out, nil
}

// Check fails unless the database is exactly at Latest.
func (m *Manager) Check(ctx context.Context) error {
	current, err := m.Current(ctx)
	if err != nil {
		return err
	}
	switch {
	case current > m.Latest():
		return m.tooNew(current)
	case current < m.Latest():
		return m.fail(current+1, fmt.Errorf("schema at version %d, binary requires %d; run migrations", current, m.Latest()))
	}
	return nil
}

// Migrate applies every migration above the current version in ascending
// order, each inside its own transaction, and returns the versions it applied.
// On failure the database stays at the last version that applied cleanly.
// Running it again on an up-to-date database is a no-op.
func (m *Manager) Migrate(ctx context.Context) ([]int, error) {
	current, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current > m.Latest() {
		return nil, m.tooNew(current)
	}
	var applied []int
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		ran, err := m.apply(ctx, mig)
		if err != nil {
			m.logger.Error("schema migration failed", "dialect", m.db.Dialect().Name(), "version", mig.Version, "name", mig.Name, "error", err)
			return applied, m.fail(mig.Version, err)
		}
		if ran {
			m.logger.Info("schema migration applied", "dialect", m.db.Dialect().Name(), "version", mig.Version, "name", mig.Name)
			applied = append(applied, mig.Version)
		}
	}
	return applied, nil
}

// apply runs one migration. The version row is re-read under lock so that
// concurrent migrators apply each version exactly once.
func (m *Manager) apply(ctx context.Context, mig sqlbundle.Migration) (bool, error) {
	ran := false
	err := m.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
		var version int
		if err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`+tx.ForUpdate()).Scan(&version); err != nil {
			return fmt.Errorf("lock schema version: %w", err)
		}
		if version >= mig.Version {
			return nil
		}
		if version != mig.Version-1 {
			return fmt.Errorf("expected schema version %d before applying %d, found %d", mig.Version-1, mig.Version, version)
		}
		for _, stmt := range mig.Statements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute %s: %w", mig.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (id, version, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
			1, mig.Version, m.now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		ran = true
		return nil
	})
	return ran, err
}

func (m *Manager) ensureVersionTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT INTO schema_version (id, version, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		1, 0, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("seed schema_version: %w", err)
	}
	return nil
}

func (m *Manager) tooNew(current int) error {
	return m.fail(current, fmt.Errorf("database schema version %d is newer than supported version %d", current, m.Latest()))
}

func (m *Manager) fail(version int, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("schema_version row missing: %w", err)
	}
	return &domain.MigrationError{Dialect: m.db.Dialect().Name(), Version: version, Err: err}
}
