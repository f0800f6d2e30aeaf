package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTemp(t *testing.T) *testDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"), 2)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &testDB{t: t, db: db.SQL()}
}

func TestOpenAppliesPragmas(t *testing.T) {
	tdb := openTemp(t)
	tdb.verifyPragma("journal_mode", "wal")
	tdb.verifyPragma("busy_timeout", "5000")
	tdb.verifyPragma("foreign_keys", "1")
}

func TestOpenMemoryIsolatedPerHandle(t *testing.T) {
	a, err := OpenMemory()
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := OpenMemory()
	if err != nil {
		t.Fatalf("second OpenMemory: %v", err)
	}
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	if _, err := a.ExecContext(ctx, `CREATE TABLE only_in_a (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	var n int
	if err := b.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, "only_in_a").Scan(&n); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n != 0 {
		t.Fatal("expected in-memory databases to be isolated")
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	if d.Name() != "sqlite" {
		t.Fatalf("unexpected name %q", d.Name())
	}
	if got := d.Rebind("SELECT ? , ?"); got != "SELECT ? , ?" {
		t.Fatalf("rebind should be identity, got %q", got)
	}
	if d.ForUpdate() != "" {
		t.Fatal("sqlite must not emit FOR UPDATE")
	}
	if d.IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}

func TestDSNCarriesTxLock(t *testing.T) {
	got := dsn("file:x.db")
	if !strings.Contains(got, "_txlock=immediate") {
		t.Fatalf("expected immediate tx lock in %q", got)
	}
	mem := dsn("file:m?mode=memory&cache=shared")
	if strings.Count(mem, "?") != 1 {
		t.Fatalf("expected params appended to existing query, got %q", mem)
	}
}

func TestBusyIsRetryable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	holder, err := Open(path, 1)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = holder.Close() }()
	ctx := context.Background()
	if _, err := holder.ExecContext(ctx, `CREATE TABLE t (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	conn, err := holder.SQL().Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.ExecContext(ctx, `BEGIN EXCLUSIVE`); err != nil {
		t.Fatalf("begin exclusive: %v", err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, `ROLLBACK`) }()

	other, err := open(dsn("file:"+path)+"&_pragma=busy_timeout(0)", 1)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer func() { _ = other.Close() }()
	_, err = other.ExecContext(ctx, `INSERT INTO t (id) VALUES (1)`)
	if err == nil {
		t.Fatal("expected busy error while exclusive lock is held")
	}
	if !(Dialect{}).IsRetryable(err) {
		t.Fatalf("expected busy error to be retryable: %v", err)
	}
}
