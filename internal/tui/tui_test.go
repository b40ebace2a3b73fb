package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func page(id, name, status string, end time.Time) store.Document {
	return store.Document{"id": id, "archived": false, "properties": map[string]any{
		"Name":   map[string]any{"title": []any{map[string]any{"plain_text": name}}},
		"Status": map[string]any{"status": map[string]any{"name": status}},
		"Date": map[string]any{"date": map[string]any{
			"start": t0.Format(time.RFC3339), "end": end.Format(time.RFC3339),
		}},
	}}
}

func testModel(t *testing.T) Model {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	st.Upsert(ctx, "a", page("a", "write report", "Pending", t0.Add(time.Hour)))
	st.Upsert(ctx, "b", page("b", "review slides", "Pending", t0.Add(48*time.Hour)))
	st.AddEvent(ctx, "a", "changed", "status pending")

	schema, err := task.NewSchema(config.DefaultConfig())
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	m := New(st, schema, schedule.Options{Threshold: 90, ScoreFloor: 0.3, Location: time.UTC})
	m.now = func() time.Time { return t0.Add(30 * time.Minute) }
	return m
}

// step feeds msg to the model and runs the returned command once.
func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		return m, nil
	}
	return m, cmd()
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_LoadsRankings(t *testing.T) {
	m := testModel(t)
	m, _ = step(t, m, m.loadPlan()())

	if len(m.rankings) != 2 {
		t.Fatalf("expected 2 rankings, got %d", len(m.rankings))
	}
	if m.rankings[0].TaskID != "a" {
		t.Errorf("expected the tighter task first, got %s", m.rankings[0].TaskID)
	}
	view := m.View()
	if !strings.Contains(view, "write report") || !strings.Contains(view, "review slides") {
		t.Errorf("expected both tasks in view:\n%s", view)
	}
}

func TestModel_Detail(t *testing.T) {
	m := testModel(t)
	m, _ = step(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m, _ = step(t, m, m.loadPlan()())

	m, msg := step(t, m, key("enter"))
	if msg == nil {
		t.Fatal("expected enter to load the detail")
	}
	m, _ = step(t, m, msg)

	if m.screen != screenDetail || m.detailID != "a" {
		t.Fatalf("expected detail of a, got screen %d id %q", m.screen, m.detailID)
	}
	for _, want := range []string{"write report", "Score", "changed"} {
		if !strings.Contains(m.detailContent, want) {
			t.Errorf("expected %q in detail:\n%s", want, m.detailContent)
		}
	}

	m, _ = step(t, m, key("esc"))
	if m.screen != screenTasks {
		t.Errorf("expected esc to go back, got screen %d", m.screen)
	}
}

func TestModel_Navigation(t *testing.T) {
	m := testModel(t)
	m, _ = step(t, m, m.loadPlan()())

	m, _ = step(t, m, key("j"))
	m, _ = step(t, m, key("j"))
	if m.cursor != 1 {
		t.Errorf("expected cursor clamped to 1, got %d", m.cursor)
	}
	m, _ = step(t, m, key("k"))
	if r, _ := m.selected(); r.TaskID != "a" {
		t.Errorf("expected a selected, got %s", r.TaskID)
	}
}

func TestModel_Filter(t *testing.T) {
	m := testModel(t)
	m, _ = step(t, m, m.loadPlan()())

	m, _ = step(t, m, key("/"))
	if !m.filtering {
		t.Fatal("expected filter mode")
	}
	m, _ = step(t, m, key("slides"))
	m, _ = step(t, m, key("enter"))

	rows := m.visible()
	if len(rows) != 1 || rows[0].TaskID != "b" {
		t.Fatalf("expected only b to match, got %+v", rows)
	}
	if m.filtering {
		t.Error("expected enter to leave filter mode")
	}
}

func TestModel_BatchesAndRuns(t *testing.T) {
	m := testModel(t)
	m, _ = step(t, m, m.loadPlan()())

	m, _ = step(t, m, key("b"))
	if m.screen != screenBatches {
		t.Fatalf("expected batches screen, got %d", m.screen)
	}
	if len(m.batches) == 0 {
		t.Error("expected at least one batch")
	}

	m, _ = step(t, m, key("esc"))
	m, msg := step(t, m, key("H"))
	m, _ = step(t, m, msg)
	if m.screen != screenRuns {
		t.Fatalf("expected runs screen, got %d", m.screen)
	}
	if !strings.Contains(m.View(), "No sync runs") {
		t.Errorf("expected empty run history:\n%s", m.View())
	}
}

func TestModel_Quit(t *testing.T) {
	m := testModel(t)
	next, cmd := m.Update(key("q"))
	if !next.(Model).quitting || cmd == nil {
		t.Fatal("expected q to quit from the task list")
	}
}
