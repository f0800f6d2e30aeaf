package sqlite

import (
	"database/sql"
	"testing"
)

type testDB struct {
	t  *testing.T
	db *sql.DB
}

func (d *testDB) verifyPragma(name, want string) {
	d.t.Helper()
	var got string
	if err := d.db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		d.t.Fatalf("read pragma %s: %v", name, err)
	}
	if got != want {
		d.t.Fatalf("pragma %s = %q, want %q", name, got, want)
	}
}
