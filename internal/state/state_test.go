package state

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGetSet(t *testing.T) {
	d := openTestDB(t)

	if _, ok, err := Get(d, "grace", "k"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := Set(d, "grace", "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(d, "grace", "k", "v2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := Get(d, "grace", "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("Get = %q %v %v", v, ok, err)
	}
	if err := Delete(d, "grace", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := Get(d, "grace", "k"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestCursor(t *testing.T) {
	d := openTestDB(t)

	c, err := Cursor(d, "grace")
	if err != nil || c != nil {
		t.Fatalf("expected no cursor, got %v %v", c, err)
	}

	start := time.Date(2026, time.October, 16, 9, 0, 0, 123, time.FixedZone("PDT", -7*3600))
	if err := AdvanceCursor(d, "grace", start); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}
	c, err = Cursor(d, "grace")
	if err != nil || c == nil {
		t.Fatalf("Cursor: %v %v", c, err)
	}
	if !c.Equal(start) {
		t.Fatalf("cursor = %v, want %v", c, start)
	}
	if last, _ := GetTime(d, "grace", KeyLastSuccessAt); last == nil {
		t.Fatalf("last_success_at not recorded")
	}

	if err := Set(d, "grace", KeyCursor, "garbage"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c, err := Cursor(d, "grace"); err != nil || c != nil {
		t.Fatalf("garbage cursor should read as unset, got %v %v", c, err)
	}
}
