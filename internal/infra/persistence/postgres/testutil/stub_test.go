package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	_, err := conn.ExecContext(ctx, "INSERT INTO rooms (room_id, membership) VALUES ($1,$2)", []driver.NamedValue{
		{Value: "R1"},
		{Value: "join"},
	})
	if err != nil {
		t.Fatalf("ExecContext insert: %v", err)
	}
	if len(conn.Tables["rooms"]) != 1 {
		t.Fatalf("expected rooms row to be stored, got %v", conn.Tables["rooms"])
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM rooms WHERE room_id=$1", []driver.NamedValue{{Value: "R1"}})
	if err != nil {
		t.Fatalf("ExecContext delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected one deleted row, got %d", n)
	}

	conn.Tables["rooms"] = []map[string]any{{"room_id": "R2", "membership": "leave"}}
	rows, err := conn.QueryContext(ctx, "select room_id, membership from rooms where room_id = $1", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "R2" || dest[1] != "leave" {
		t.Fatalf("unexpected row values: %v", dest)
	}
}

func TestStubConflictHandling(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	insert := func(query string, version int64) int64 {
		t.Helper()
		res, err := conn.ExecContext(ctx, query, []driver.NamedValue{{Value: int64(1)}, {Value: version}})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		n, _ := res.RowsAffected()
		return n
	}
	insert("INSERT INTO schema_version (id, version) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", 0)
	if n := insert("INSERT INTO schema_version (id, version) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", 5); n != 0 {
		t.Fatalf("DO NOTHING should affect no rows, got %d", n)
	}
	insert("INSERT INTO schema_version (id, version) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET version = excluded.version", 2)
	rows := conn.Tables["schema_version"]
	if len(rows) != 1 || rows[0]["version"] != int64(2) {
		t.Fatalf("expected single upserted row at version 2, got %v", rows)
	}
}

func TestStubRollbackRestoresTables(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	tx, err := conn.BeginTx(ctx, driver.TxOptions{})
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO rooms (room_id) VALUES ($1)", []driver.NamedValue{{Value: "R1"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(conn.Tables["rooms"]) != 0 {
		t.Fatalf("expected rollback to discard rows, got %v", conn.Tables["rooms"])
	}
	if conn.Begins != 1 || conn.Rollbacks != 1 || conn.Commits != 0 {
		t.Fatalf("unexpected tx counters begins=%d commits=%d rollbacks=%d", conn.Begins, conn.Commits, conn.Rollbacks)
	}
}

func TestStubFailures(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	boom := errors.New("boom")
	conn.FailOn = map[string]error{"create table": boom}
	if _, err := conn.ExecContext(ctx, "CREATE TABLE x (id INT)", nil); !errors.Is(err, boom) {
		t.Fatalf("expected FailOn error, got %v", err)
	}
	conn.FailBegin = true
	if _, err := conn.BeginTx(ctx, driver.TxOptions{}); err == nil {
		t.Fatal("expected begin failure")
	}
	conn.FailBegin = false
	conn.FailCommit = true
	tx, err := conn.BeginTx(ctx, driver.TxOptions{})
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected commit failure")
	}
	if _, err := conn.QueryContext(ctx, "UPDATE rooms SET x = 1", nil); err == nil {
		t.Fatal("expected parse failure for non-select query")
	}
	if _, _, err := parseDelete("DELETE FROM rooms"); err == nil {
		t.Fatal("expected delete without predicate to fail")
	}
	if _, _, err := parseInsert("INSERT INTO rooms VALUES"); err == nil {
		t.Fatal("expected insert without columns to fail")
	}
}
