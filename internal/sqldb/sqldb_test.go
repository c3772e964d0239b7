package sqldb

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestRebind(t *testing.T) {
	q := "UPDATE tasks SET a=?, b=? WHERE id=? AND version=?"
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("SQLite.Rebind changed the query: %q", got)
	}
	want := "UPDATE tasks SET a=$1, b=$2 WHERE id=$3 AND version=$4"
	if got := Postgres.Rebind(q); got != want {
		t.Errorf("Postgres.Rebind = %q, want %q", got, want)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpen_SQLiteMemory(t *testing.T) {
	db, d, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if d != SQLite {
		t.Errorf("dialect = %q, want sqlite", d)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("pq 23505 should be a unique violation")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("pq 23503 is a foreign key violation")
	}
	if !IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: tasks.code (2067)")) {
		t.Error("sqlite unique message not recognised")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
}

func TestNullTimeRoundTrip(t *testing.T) {
	if NullTime(nil) != nil {
		t.Error("NullTime(nil) should be nil")
	}
	now := time.Now()
	got := TimePtr(sql.NullTime{Time: now, Valid: true})
	if got == nil || !got.Equal(now) {
		t.Errorf("TimePtr = %v, want %v", got, now)
	}
	if TimePtr(sql.NullTime{}) != nil {
		t.Error("invalid NullTime should map to nil")
	}
}
