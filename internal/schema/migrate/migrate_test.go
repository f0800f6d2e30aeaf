package migrate_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"chatstore/internal/schema/migrate"
	"chatstore/internal/schema/sqlbundle"
	"chatstore/internal/sqldb"
	"chatstore/internal/storetest"
	"chatstore/pkg/domain"
)

type captureLogger struct {
	mu    sync.Mutex
	infos []string
	errs  []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Warn(string, ...any)  {}
func (l *captureLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}
func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func newManager(t *testing.T, db *sqldb.DB, opts ...migrate.Option) *migrate.Manager {
	t.Helper()
	m, err := migrate.New(db, opts...)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	return m
}

func tableExists(t *testing.T, db *sqldb.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n); err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return n == 1
}

func TestMigrateFreshDatabaseTwice(t *testing.T) {
	ctx := context.Background()
	db := storetest.SQLite(t)
	logger := &captureLogger{}
	m := newManager(t, db, migrate.WithLogger(logger))

	current, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current != 0 {
		t.Fatalf("expected fresh database at version 0, got %d", current)
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != m.Latest() {
		t.Fatalf("expected %d pending migrations, got %v", m.Latest(), pending)
	}

	applied, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if !reflect.DeepEqual(applied, pending) {
		t.Fatalf("applied %v, expected %v", applied, pending)
	}
	if len(logger.infos) != len(applied) {
		t.Fatalf("expected one log line per migration, got %v", logger.infos)
	}

	again, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second Migrate to be a no-op, applied %v", again)
	}
	current, err = m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current != m.Latest() {
		t.Fatalf("expected version %d, got %d", m.Latest(), current)
	}
	if err := m.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, table := range []string{"rooms", "room_state", "account_data", "sync_cursor", "olm_sessions", "inbound_group_sessions", "timeline_events", "state_history"} {
		if !tableExists(t, db, table) {
			t.Fatalf("expected table %s after migration", table)
		}
	}
}

func TestMigrateFailureStopsAtLastGoodVersion(t *testing.T) {
	ctx := context.Background()
	db := storetest.SQLite(t)
	logger := &captureLogger{}
	set := []sqlbundle.Migration{
		{Version: 1, Name: "one", SQL: "CREATE TABLE one (id INTEGER);"},
		{Version: 2, Name: "two", SQL: "CREATE TABLE two (id INTEGER);\nCREATE TABLE broken (;"},
		{Version: 3, Name: "three", SQL: "CREATE TABLE three (id INTEGER);"},
	}
	m := newManager(t, db, migrate.WithMigrations(set), migrate.WithLogger(logger))

	applied, err := m.Migrate(ctx)
	if err == nil {
		t.Fatal("expected migration failure")
	}
	var merr *domain.MigrationError
	if !errors.As(err, &merr) || merr.Version != 2 {
		t.Fatalf("expected MigrationError for version 2, got %v", err)
	}
	if !errors.Is(err, domain.ErrMigration) {
		t.Fatalf("expected ErrMigration kind, got %v", err)
	}
	if !reflect.DeepEqual(applied, []int{1}) {
		t.Fatalf("expected only version 1 applied, got %v", applied)
	}
	current, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected database left at version 1, got %d", current)
	}
	if tableExists(t, db, "two") {
		t.Fatal("expected partial migration 2 to be rolled back")
	}
	if tableExists(t, db, "three") {
		t.Fatal("migration 3 must not run after 2 failed")
	}
	if len(logger.errs) != 1 {
		t.Fatalf("expected failure to be logged once, got %v", logger.errs)
	}
}

func TestMigrateRefusesNewerDatabase(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	if _, err := db.ExecContext(ctx, `UPDATE schema_version SET version = 99 WHERE id = 1`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	m := newManager(t, db)
	for name, run := range map[string]func() error{
		"migrate": func() error { _, err := m.Migrate(ctx); return err },
		"pending": func() error { _, err := m.Pending(ctx); return err },
		"check":   func() error { return m.Check(ctx) },
	} {
		err := run()
		var merr *domain.MigrationError
		if !errors.As(err, &merr) || merr.Version != 99 {
			t.Fatalf("%s: expected MigrationError at version 99, got %v", name, err)
		}
	}
}

func TestCheckReportsBehind(t *testing.T) {
	db := storetest.SQLite(t)
	m := newManager(t, db)
	err := m.Check(context.Background())
	if !errors.Is(err, domain.ErrMigration) || !strings.Contains(err.Error(), "run migrations") {
		t.Fatalf("expected behind error, got %v", err)
	}
}

func TestConcurrentMigratorsApplyEachVersionOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first := storetest.SQLiteAt(t, path)
	second := storetest.SQLiteAt(t, path)

	var mu sync.Mutex
	var all []int
	g, ctx := errgroup.WithContext(context.Background())
	for _, db := range []*sqldb.DB{first, second} {
		m := newManager(t, db)
		g.Go(func() error {
			applied, err := m.Migrate(ctx)
			mu.Lock()
			all = append(all, applied...)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Migrate: %v", err)
	}
	sort.Ints(all)
	want := make([]int, 0)
	for v := 1; v <= newManager(t, first).Latest(); v++ {
		want = append(want, v)
	}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("expected each version applied exactly once, got %v", all)
	}
}

func TestMigrateAgainstStubRecordsVersion(t *testing.T) {
	ctx := context.Background()
	db, conn := storetest.Stub(t)
	m := newManager(t, db)

	applied, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != m.Latest() {
		t.Fatalf("expected all migrations applied, got %v", applied)
	}
	rows := conn.Tables["schema_version"]
	if len(rows) != 1 || rows[0]["version"] != int64(m.Latest()) {
		t.Fatalf("expected version row at %d, got %v", m.Latest(), rows)
	}
	var sawBytea, sawRebind bool
	for _, stmt := range conn.ExecLog() {
		if strings.Contains(stmt, "BYTEA") {
			sawBytea = true
		}
		if strings.Contains(stmt, "VALUES ($1, $2, $3)") {
			sawRebind = true
		}
	}
	if !sawBytea || !sawRebind {
		t.Fatalf("expected postgres DDL and rebound placeholders, got %v", conn.ExecLog())
	}
	if conn.Commits != len(applied) {
		t.Fatalf("expected one transaction per migration, got %d commits", conn.Commits)
	}
}

func TestMigrateStubFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db, conn := storetest.Stub(t)
	conn.FailOn = map[string]error{"CREATE TABLE IF NOT EXISTS timeline_events": fmt.Errorf("disk full")}
	m := newManager(t, db)

	applied, err := m.Migrate(ctx)
	var merr *domain.MigrationError
	if !errors.As(err, &merr) || merr.Version != 3 || merr.Dialect != "postgres" {
		t.Fatalf("expected postgres MigrationError at version 3, got %v", err)
	}
	if !reflect.DeepEqual(applied, []int{1, 2}) {
		t.Fatalf("expected versions 1 and 2 applied, got %v", applied)
	}
	if conn.Rollbacks == 0 {
		t.Fatal("expected failed migration to roll back")
	}
	if got := conn.Tables["schema_version"][0]["version"]; got != int64(2) {
		t.Fatalf("expected version row left at 2, got %v", got)
	}
}

func TestMigrateSetupFailure(t *testing.T) {
	db, conn := storetest.Stub(t)
	conn.FailOn = map[string]error{"schema_version (": errors.New("permission denied")}
	m := newManager(t, db)
	if _, err := m.Migrate(context.Background()); !errors.Is(err, domain.ErrMigration) {
		t.Fatalf("expected MigrationError when version table cannot be created, got %v", err)
	}
}

func TestPostgresMigrateTwice(t *testing.T) {
	ctx := context.Background()
	db := storetest.Postgres(t)
	m := newManager(t, db)
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	again, err := m.Migrate(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second Migrate: applied=%v err=%v", again, err)
	}
}
