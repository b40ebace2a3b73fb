package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

// screen represents which screen the TUI is on.
type screen int

const (
	screenTasks   screen = iota // ranked tasks (main)
	screenBatches               // batch plan
	screenRuns                  // sync run history
	screenDetail                // one task
)

const refreshInterval = 5 * time.Second

// Model is the top-level bubbletea model.
type Model struct {
	mirror store.Mirror
	schema *task.Schema
	opts   schedule.Options
	now    func() time.Time

	width  int
	height int
	screen screen

	// Plan state.
	rankings  []schedule.Ranking
	batches   []schedule.Batch
	plannedAt time.Time
	cursor    int

	runs []store.Run

	// Filter on the task list.
	filter    textinput.Model
	filtering bool

	// Task detail.
	detailID       string
	detailContent  string
	detailViewport viewport.Model
	batchViewport  viewport.Model

	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates a new TUI model over a mirror.
func New(mirror store.Mirror, schema *task.Schema, opts schedule.Options) Model {
	fi := textinput.New()
	fi.Placeholder = "filter by name or project..."
	fi.CharLimit = 80
	fi.Width = 40

	return Model{
		mirror:         mirror,
		schema:         schema,
		opts:           opts,
		now:            time.Now,
		screen:         screenTasks,
		filter:         fi,
		detailViewport: viewport.New(80, 20),
		batchViewport:  viewport.New(80, 20),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadPlan(), tickCmd())
}

type tickMsg time.Time

type planLoadedMsg struct {
	rankings []schedule.Ranking
	batches  []schedule.Batch
	at       time.Time
	err      error
}

type detailLoadedMsg struct {
	id      string
	content string
	err     error
}

type runsLoadedMsg struct {
	runs []store.Run
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) loadPlan() tea.Cmd {
	return func() tea.Msg {
		now := m.now()
		engine := schedule.NewEngine(task.NewCache(m.mirror, m.schema), m.opts)
		plan, err := engine.Plan(context.Background(), now)
		if err != nil {
			return planLoadedMsg{err: err}
		}
		return planLoadedMsg{rankings: plan.Rankings(), batches: plan.Batches, at: now}
	}
}

func (m Model) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		cache := task.NewCache(m.mirror, m.schema)
		t, err := cache.Get(ctx, id)
		if err != nil {
			return detailLoadedMsg{id: id, err: err}
		}
		if t == nil {
			return detailLoadedMsg{id: id, err: store.ErrNotFound}
		}
		chain := schedule.ResolveChain(t, schedule.Lookup(cache.Lookup(ctx)))
		events, err := m.mirror.GetEvents(ctx, id)
		if err != nil {
			return detailLoadedMsg{id: id, err: err}
		}
		return detailLoadedMsg{id: id, content: renderDetail(t, chain, events, m.now(), m.schema.Location)}
	}
}

func (m Model) loadRuns() tea.Cmd {
	return func() tea.Msg {
		runs, err := m.mirror.ListRuns(context.Background(), 50)
		return runsLoadedMsg{runs: runs, err: err}
	}
}

func (m *Model) setStatus(s string) {
	m.statusMsg = s
	m.statusTime = time.Now()
}

// visible returns the rankings matching the current filter.
func (m Model) visible() []schedule.Ranking {
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if q == "" {
		return m.rankings
	}
	var out []schedule.Ranking
	for _, r := range m.rankings {
		if strings.Contains(strings.ToLower(r.Name), q) || strings.Contains(strings.ToLower(r.Project), q) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Model) clampCursor() {
	n := len(m.visible())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) selected() (schedule.Ranking, bool) {
	rows := m.visible()
	if m.cursor < 0 || m.cursor >= len(rows) {
		return schedule.Ranking{}, false
	}
	return rows[m.cursor], true
}
