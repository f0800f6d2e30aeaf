package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct {
	msg string
}

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "chatstore/internal/sqldb", true},
		{InternalImportForbidden, "chatstore/pkg/domain", false},
		{DriverImportForbidden, "github.com/jackc/pgx/v5/stdlib", true},
		{DriverImportForbidden, "modernc.org/sqlite", true},
		{DriverImportForbidden, "github.com/aws/aws-sdk-go-v2/service/s3", true},
		{DriverImportForbidden, "modernc.org/sqlitex", false},
		{DriverImportForbidden, "database/sql", false},
		{Any(InternalImportForbidden, DriverImportForbidden), "modernc.org/sqlite", true},
		{Any(), "anything", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("predicate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDirectViolationsIgnoresTestsAndDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "store.go", "package tmp\nimport \"database/sql\"\nvar _ sql.DB\n")
	writeFile(t, dir, "store_test.go", "package tmp\nimport _ \"modernc.org/sqlite\"\n")
	if err := os.Mkdir(filepath.Join(dir, "nested.go"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	AssertNoDirectImports(t, dir, DriverImportForbidden, "stores use sqldb")
}

func TestDirectViolationsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.go", "package tmp\nimport _ \"github.com/jackc/pgx/v5/stdlib\"\n")
	writeFile(t, dir, "a.go", "package tmp\nimport _ \"modernc.org/sqlite\"\n")
	viols, err := directViolations(dir, DriverImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 2 || !strings.HasPrefix(viols[0], "github.com/jackc") {
		t.Fatalf("unexpected violations: %v", viols)
	}
	var r recorder
	report(&r, "direct import", "drivers", viols)
	if !strings.Contains(r.msg, "drivers") || !strings.Contains(r.msg, "a.go") {
		t.Fatalf("unexpected report: %q", r.msg)
	}
}

func TestDirectViolationsParseError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package tmp\nimport (\n")
	if _, err := directViolations(dir, DriverImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directViolations(filepath.Join(dir, "missing"), DriverImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestTransitiveViolationsUsesGoList(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })

	goListDeps = func(string) ([]byte, error) {
		return []byte("context\nchatstore/pkg/domain\n\nmodernc.org/sqlite\n"), nil
	}
	viols, _, err := transitiveViolations("./...", DriverImportForbidden)
	if err != nil || len(viols) != 1 || viols[0] != "modernc.org/sqlite" {
		t.Fatalf("violations = %v, %v", viols, err)
	}

	goListDeps = func(string) ([]byte, error) { return []byte("no go files"), errors.New("exit 1") }
	if _, out, err := transitiveViolations("./...", DriverImportForbidden); err == nil || string(out) != "no go files" {
		t.Fatalf("expected go list error, got %v %q", err, out)
	}
}
