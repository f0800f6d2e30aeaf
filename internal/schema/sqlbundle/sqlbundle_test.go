package sqlbundle

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestSplitStatements(t *testing.T) {
	migrations, err := Migrations(SQLite)
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	for _, m := range migrations {
		stmts := m.Statements()
		if len(stmts) == 0 {
			t.Fatalf("expected migration %d to produce statements", m.Version)
		}
		for _, stmt := range stmts {
			if strings.HasPrefix(strings.TrimSpace(stmt), "--") {
				t.Fatalf("statement unexpectedly starts with comment: %q", stmt)
			}
			if !strings.HasSuffix(strings.TrimSpace(stmt), ";") {
				t.Fatalf("statement missing semicolon terminator: %q", stmt)
			}
		}
	}
}

func TestSplitStatementsKeepsUnterminatedTail(t *testing.T) {
	stmts := SplitStatements("-- header\nCREATE TABLE a (id INT);\n\nSELECT 1")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	if stmts[1] != "SELECT 1" {
		t.Fatalf("unexpected tail statement %q", stmts[1])
	}
}

func TestDialectsShareLogicalVersions(t *testing.T) {
	lite, err := Migrations(SQLite)
	if err != nil {
		t.Fatalf("sqlite migrations: %v", err)
	}
	pg, err := Migrations(Postgres)
	if err != nil {
		t.Fatalf("postgres migrations: %v", err)
	}
	if len(lite) != len(pg) {
		t.Fatalf("dialects disagree on migration count: sqlite=%d postgres=%d", len(lite), len(pg))
	}
	for i := range lite {
		if lite[i].Version != pg[i].Version || lite[i].Name != pg[i].Name {
			t.Fatalf("migration %d differs: sqlite=%d_%s postgres=%d_%s", i, lite[i].Version, lite[i].Name, pg[i].Version, pg[i].Name)
		}
	}
}

func TestPostgresBundleUsesBytea(t *testing.T) {
	pg, err := Migrations(Postgres)
	if err != nil {
		t.Fatalf("postgres migrations: %v", err)
	}
	for _, m := range pg {
		if strings.Contains(m.SQL, " BLOB") {
			t.Fatalf("postgres migration %s uses BLOB", m.Name)
		}
	}
}

func TestLoadRejectsGaps(t *testing.T) {
	fsys := fstest.MapFS{
		"sqlite/0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"sqlite/0003_c.sql": {Data: []byte("CREATE TABLE c (id INT);")},
	}
	if _, err := load(fsys, SQLite); err == nil || !strings.Contains(err.Error(), "not contiguous") {
		t.Fatalf("expected contiguity error, got %v", err)
	}
}

func TestLoadRejectsBadNames(t *testing.T) {
	for _, name := range []string{"sqlite/init.sql", "sqlite/x_init.sql", "sqlite/0000_zero.sql"} {
		fsys := fstest.MapFS{name: {Data: []byte("SELECT 1;")}}
		if _, err := load(fsys, SQLite); err == nil {
			t.Fatalf("expected error for %s", name)
		}
	}
}

func TestLoadUnknownDialect(t *testing.T) {
	if _, err := Migrations("oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}
