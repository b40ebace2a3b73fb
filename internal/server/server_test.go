package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.FixedZone("UTC+9", 9*3600))

func page(id, status string, start, end time.Time, parent string) store.Document {
	props := map[string]any{
		"Name":   map[string]any{"title": []any{map[string]any{"plain_text": "task " + id}}},
		"Status": map[string]any{"status": map[string]any{"name": status}},
		"Date": map[string]any{"date": map[string]any{
			"start": start.Format(time.RFC3339), "end": end.Format(time.RFC3339),
		}},
	}
	if parent != "" {
		props["Parent"] = map[string]any{"relation": []any{map[string]any{"id": parent}}}
	}
	return store.Document{"id": id, "archived": false, "properties": props}
}

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	st.Upsert(ctx, "a", page("a", "Pending", t0, t0.Add(time.Hour), ""))
	st.Upsert(ctx, "b", page("b", "Pending", t0, t0.Add(24*time.Hour), "a"))
	st.Upsert(ctx, "c", page("c", "Done", t0, t0.Add(time.Hour), ""))
	st.AddEvent(ctx, "a", "changed", "status pending")

	schema, err := task.NewSchema(config.DefaultConfig())
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	s := New(st, schema, schedule.Options{Threshold: 90, ScoreFloor: 0.3})
	s.now = func() time.Time { return t0.Add(30 * time.Minute) }
	return s, st
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t)
	var body map[string]bool
	if code := get(t, s, "/healthz", &body); code != http.StatusOK || !body["ok"] {
		t.Fatalf("expected ok, got %d %v", code, body)
	}
}

func TestListTasks(t *testing.T) {
	s, _ := testServer(t)
	var body struct {
		Items []schedule.Ranking `json:"items"`
	}
	if code := get(t, s, "/api/tasks", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Items) != 2 {
		t.Fatalf("expected 2 ranked tasks, got %d", len(body.Items))
	}
	if body.Items[0].TaskID != "a" || body.Items[0].Score <= body.Items[1].Score {
		t.Errorf("expected a ranked first, got %+v", body.Items)
	}
}

func TestListBatches(t *testing.T) {
	s, _ := testServer(t)
	var body struct {
		Items []schedule.Batch `json:"items"`
	}
	if code := get(t, s, "/api/batches", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Items) != 1 || len(body.Items[0].Members) != 2 {
		t.Fatalf("expected one batch of a and b, got %+v", body.Items)
	}
}

func TestGetTask(t *testing.T) {
	s, _ := testServer(t)
	var body taskDetail
	if code := get(t, s, "/api/tasks/b", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Name != "task b" || body.Status != task.StatusPending {
		t.Errorf("unexpected task %+v", body)
	}
	if len(body.Chain.IDs) != 2 || body.Chain.IDs[0] != "a" || body.Chain.Index != 1 {
		t.Errorf("unexpected chain %+v", body.Chain)
	}
	if body.Score == nil {
		t.Error("expected an active task to carry a score")
	}

	var a taskDetail
	get(t, s, "/api/tasks/a", &a)
	if len(a.Events) != 1 || a.Events[0].Type != "changed" {
		t.Errorf("expected one event for a, got %+v", a.Events)
	}

	var c taskDetail
	get(t, s, "/api/tasks/c", &c)
	if c.Score != nil {
		t.Error("done tasks carry no score")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s, _ := testServer(t)
	if code := get(t, s, "/api/tasks/missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestListRuns(t *testing.T) {
	s, st := testServer(t)
	ctx := context.Background()
	id, _ := st.StartRun(ctx, "run-1")
	st.EndRun(ctx, id, store.Run{Status: "completed", Pulled: 3})

	var body struct {
		Items []store.Run `json:"items"`
	}
	if code := get(t, s, "/api/runs?limit=5", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Items) != 1 || body.Items[0].Pulled != 3 {
		t.Errorf("unexpected runs %+v", body.Items)
	}

	if code := get(t, s, "/api/runs?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", code)
	}
}
