package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(id, status string) Document {
	return Document{
		"id":       id,
		"archived": false,
		"properties": map[string]any{
			"Status": map[string]any{"type": "status", "status": map[string]any{"name": status}},
		},
	}
}

func TestNew_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file not created")
	}
}

func TestUpsertAndFindOne(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "a", sampleDoc("a", "Pending")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.FindOne(ctx, "a")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.ID() != "a" {
		t.Errorf("expected id 'a', got %q", got.ID())
	}
	props := got["properties"].(map[string]any)
	status := props["Status"].(map[string]any)["status"].(map[string]any)["name"]
	if status != "Pending" {
		t.Errorf("expected status Pending, got %v", status)
	}
}

func TestUpsert_Replaces(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Upsert(ctx, "a", sampleDoc("a", "Pending"))
	s.Upsert(ctx, "a", sampleDoc("a", "Done"))

	ids, err := s.IDs(ctx)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 task after replace, got %d", len(ids))
	}
	got, _ := s.FindOne(ctx, "a")
	props := got["properties"].(map[string]any)
	status := props["Status"].(map[string]any)["status"].(map[string]any)["name"]
	if status != "Done" {
		t.Errorf("expected replaced status Done, got %v", status)
	}
}

func TestFindOne_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.FindOne(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Upsert(ctx, "a", sampleDoc("a", "Deleted"))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FindOne(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFindAll(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Upsert(ctx, "b", sampleDoc("b", "Pending"))
	s.Upsert(ctx, "a", sampleDoc("a", "Pending"))
	s.Upsert(ctx, "c", sampleDoc("c", "Done"))

	docs, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if docs[0].ID() != "a" || docs[2].ID() != "c" {
		t.Errorf("expected documents ordered by id, got %s..%s", docs[0].ID(), docs[2].ID())
	}
}

func TestMarkers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m, err := s.LookupMarker(ctx, "u1")
	if err != nil || m != nil {
		t.Fatalf("expected no marker, got %v / %v", m, err)
	}

	if err := s.SaveMarker(ctx, Marker{UniqueID: "u1", CalendarID: "cal", EventID: "ev1"}); err != nil {
		t.Fatalf("SaveMarker: %v", err)
	}
	if err := s.SaveMarker(ctx, Marker{UniqueID: "u1", CalendarID: "cal", EventID: "ev2"}); err != nil {
		t.Fatalf("SaveMarker replace: %v", err)
	}

	m, err = s.LookupMarker(ctx, "u1")
	if err != nil {
		t.Fatalf("LookupMarker: %v", err)
	}
	if m == nil || m.EventID != "ev2" {
		t.Fatalf("expected marker ev2, got %+v", m)
	}

	if err := s.DeleteMarker(ctx, "u1"); err != nil {
		t.Fatalf("DeleteMarker: %v", err)
	}
	m, _ = s.LookupMarker(ctx, "u1")
	if m != nil {
		t.Fatalf("expected marker gone, got %+v", m)
	}
}

func TestPushKeys_Replace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.ReplacePushKeys(ctx, []string{"k1", "k2", "k2"}); err != nil {
		t.Fatalf("ReplacePushKeys: %v", err)
	}
	keys, err := s.PushKeys(ctx)
	if err != nil {
		t.Fatalf("PushKeys: %v", err)
	}
	if len(keys) != 2 || !keys["k1"] || !keys["k2"] {
		t.Fatalf("expected {k1,k2}, got %v", keys)
	}

	s.ReplacePushKeys(ctx, []string{"k3"})
	keys, _ = s.PushKeys(ctx)
	if len(keys) != 1 || !keys["k3"] {
		t.Fatalf("expected {k3} after replace, got %v", keys)
	}
}

func TestEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.AddEvent(ctx, "a", "changed", "status Pending")
	s.AddEvent(ctx, "a", "completed", "marker created")
	s.AddEvent(ctx, "b", "changed", "other task")

	events, err := s.GetEvents(ctx, "a")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != "completed" {
		t.Errorf("expected last event 'completed', got %q", events[1].Type)
	}
}

func TestSyncRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.StartRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	s.StartRun(ctx, "run-2")

	if err := s.EndRun(ctx, id, Run{Status: "completed", Pulled: 10, Changed: 3, Pushed: 2}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-2" || runs[0].Status != "running" {
		t.Errorf("expected newest run-2 running, got %s %s", runs[0].RunID, runs[0].Status)
	}
	if runs[1].Pulled != 10 || runs[1].Changed != 3 || runs[1].EndedAt.IsZero() {
		t.Errorf("expected finished run-1 with counts, got %+v", runs[1])
	}
}

func TestMigrate_AddsColumnsToExistingDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// A database created before sync_runs had a failed column.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		pulled INTEGER NOT NULL DEFAULT 0,
		changed INTEGER NOT NULL DEFAULT 0,
		pushed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		pruned INTEGER NOT NULL DEFAULT 0,
		error TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	INSERT INTO sync_runs (run_id, status, pulled, started_at) VALUES ('old', 'completed', 4, CURRENT_TIMESTAMP);`); err != nil {
		t.Fatalf("seed old schema: %v", err)
	}
	db.Close()

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("open migrated store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id, err := s.StartRun(ctx, "new")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.EndRun(ctx, id, Run{Status: "failed", Failed: 2, Error: "push: down"}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Failed != 2 {
		t.Errorf("expected 2 failed pushes on the new run, got %d", runs[0].Failed)
	}
	if runs[1].RunID != "old" || runs[1].Pulled != 4 || runs[1].Failed != 0 {
		t.Errorf("expected the old run kept with failed defaulted, got %+v", runs[1])
	}

	// Reopening must not fail on the existing column.
	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}

func TestDocument_Clone(t *testing.T) {
	doc := sampleDoc("a", "Pending")
	clone, err := doc.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	clone["properties"].(map[string]any)["Status"] = "changed"

	if _, ok := doc["properties"].(map[string]any)["Status"].(map[string]any); !ok {
		t.Fatal("mutating the clone changed the original")
	}
}
