// Package storetest opens throwaway databases for tests and hosts the
// behavioural suites every backend must pass.
package storetest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"chatstore/internal/infra/persistence/postgres"
	pgtestutil "chatstore/internal/infra/persistence/postgres/testutil"
	"chatstore/internal/infra/persistence/sqlite"
	"chatstore/internal/schema/migrate"
	"chatstore/internal/sqldb"
)

// PostgresDSNEnv names the variable that enables the Postgres suites.
const PostgresDSNEnv = "CHATSTORE_TEST_POSTGRES_DSN"

// Backend opens a fresh, fully migrated database.
type Backend struct {
	Name string
	Open func(t testing.TB) *sqldb.DB
}

// Backends returns SQLite always and Postgres when PostgresDSNEnv is set.
func Backends() []Backend {
	out := []Backend{{Name: "sqlite", Open: MigratedSQLite}}
	if os.Getenv(PostgresDSNEnv) != "" {
		out = append(out, Backend{Name: "postgres", Open: MigratedPostgres})
	}
	return out
}

// SQLite opens an empty database file under t.TempDir.
func SQLite(t testing.TB) *sqldb.DB {
	t.Helper()
	return SQLiteAt(t, filepath.Join(t.TempDir(), "chatstore.db"))
}

// SQLiteAt opens the database file at path, skipping when the engine is unavailable.
func SQLiteAt(t testing.TB, path string) *sqldb.DB {
	t.Helper()
	db, err := sqlite.Open(path, 4)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// MigratedSQLite opens an empty database file and applies every migration.
func MigratedSQLite(t testing.TB) *sqldb.DB {
	t.Helper()
	db := SQLite(t)
	Migrate(t, db)
	return db
}

// Postgres opens an isolated schema on the server named by PostgresDSNEnv,
// skipping when the variable is unset. The schema is dropped on cleanup.
func Postgres(t testing.TB) *sqldb.DB {
	t.Helper()
	base := os.Getenv(PostgresDSNEnv)
	if base == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	ctx := context.Background()
	admin, err := postgres.Open(ctx, base, 1)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	schema := "chatstore_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	db, err := postgres.Open(ctx, withSearchPath(t, base, schema), 8)
	if err != nil {
		_ = admin.Close()
		t.Fatalf("open postgres schema: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		_ = admin.Close()
	})
	return db
}

// MigratedPostgres is Postgres plus every migration.
func MigratedPostgres(t testing.TB) *sqldb.DB {
	t.Helper()
	db := Postgres(t)
	Migrate(t, db)
	return db
}

// Stub returns a Postgres-dialect handle over the recording stub driver.
func Stub(t testing.TB) (*sqldb.DB, *pgtestutil.StubConn) {
	t.Helper()
	raw, conn := pgtestutil.NewStubDB()
	t.Cleanup(func() { _ = raw.Close() })
	return sqldb.New(raw, postgres.Dialect{}), conn
}

// Migrate applies every embedded migration to db.
func Migrate(t testing.TB, db *sqldb.DB) {
	t.Helper()
	m, err := migrate.New(db)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	if _, err := m.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func withSearchPath(t testing.TB, dsn, schema string) string {
	t.Helper()
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn + " search_path=" + schema
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
