package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit_test.db")
	s, err := NewStore(dbPath, "sqlite")
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)

	if err := s.Record(Entry{SessionID: "s1", AttachID: "a1", Key: "NOTES", EventType: "NOTES:PATCH", Outcome: "ok"}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	entries, err := s.Recent("s1", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Recent() returned %d entries, want 1", len(entries))
	}
	if entries[0].EventType != "NOTES:PATCH" || entries[0].Outcome != "ok" {
		t.Errorf("entry = %+v, want event_type NOTES:PATCH outcome ok", entries[0])
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC()
	s.Record(Entry{SessionID: "s1", Key: "NOTES", EventType: "NOTES:SET", Outcome: "ok", At: base})
	s.Record(Entry{SessionID: "s1", Key: "NOTES", EventType: "NOTES:PATCH", Outcome: "ok", At: base.Add(time.Second)})

	entries, err := s.Recent("s1", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(entries))
	}
	if entries[0].EventType != "NOTES:PATCH" {
		t.Errorf("newest entry = %q, want NOTES:PATCH", entries[0].EventType)
	}
}

func TestSessionIsolation(t *testing.T) {
	s := testStore(t)

	s.Record(Entry{SessionID: "alpha", Key: "NOTES", EventType: "NOTES:SET", Outcome: "ok"})
	s.Record(Entry{SessionID: "beta", Key: "NOTES", EventType: "NOTES:SET", Outcome: "ok"})

	aEntries, err := s.Recent("alpha", 10)
	if err != nil {
		t.Fatalf("Recent(alpha) error: %v", err)
	}
	if len(aEntries) != 1 {
		t.Errorf("Recent(alpha) = %d entries, want 1", len(aEntries))
	}
}

func TestRecentEmpty(t *testing.T) {
	s := testStore(t)

	entries, err := s.Recent("nothing", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Recent() = %d entries, want 0", len(entries))
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	s.Record(Entry{SessionID: "s1", Key: "NOTES", EventType: "NOTES:SET", Outcome: "ok", At: old})
	s.Record(Entry{SessionID: "s1", Key: "NOTES", EventType: "NOTES:PATCH", Outcome: "ok", At: time.Now().UTC()})

	n, err := s.Prune(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d rows, want 1", n)
	}

	entries, err := s.Recent("s1", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Recent() after prune = %d entries, want 1", len(entries))
	}
}

func TestNewStore_UnknownDriver(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bad.db")
	_, err := NewStore(dbPath, "postgres")
	if err == nil {
		t.Error("NewStore() with unknown driver should error")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath, "sqlite")
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.Record(Entry{SessionID: "s1", Key: "NOTES", EventType: "NOTES:SET", Outcome: "ok"}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath, "sqlite")
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	entries, err := s2.Recent("s1", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Recent() after reopen = %d entries, want 1", len(entries))
	}
}
