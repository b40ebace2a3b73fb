package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrCyan)

	rowStyle         = lipgloss.NewStyle().PaddingLeft(2)
	rowSelectedStyle = lipgloss.NewStyle().PaddingLeft(1).Bold(true).Foreground(clrHighlight)

	batchStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	switch m.screen {
	case screenBatches:
		return m.viewBatches()
	case screenRuns:
		return m.viewRuns()
	case screenDetail:
		return m.viewDetail()
	default:
		return m.viewTasks()
	}
}

// ════════════════════════════════════════════════
// TASKS VIEW: ranked by score
// ════════════════════════════════════════════════

func (m Model) viewTasks() string {
	var b strings.Builder

	rows := m.visible()
	header := titleStyle.Render("tempo")
	header += dimStyle.Render(fmt.Sprintf("  %d ranked", len(rows)))
	if !m.plannedAt.IsZero() {
		header += dimStyle.Render("  planned " + m.plannedAt.Format("15:04:05"))
	}
	b.WriteString(header + "\n")

	if m.filtering || m.filter.Value() != "" {
		b.WriteString("  " + m.filter.View() + "\n")
	}
	b.WriteString("\n")

	if len(rows) == 0 {
		b.WriteString(dimStyle.Render("  No active tasks.") + "\n")
	}

	// Keep the cursor on screen.
	height := m.height - 8
	if height < 5 {
		height = len(rows)
	}
	start := 0
	if m.cursor >= height {
		start = m.cursor - height + 1
	}
	end := min(start+height, len(rows))

	for i := start; i < end; i++ {
		b.WriteString(m.renderRankingLine(rows[i], i == m.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.statusMsg != "" {
		b.WriteString("  " + statusStyle.Render(m.statusMsg) + "\n")
	}
	keys := []struct{ key, desc string }{
		{"↑↓", "navigate"},
		{"enter", "detail"},
		{"/", "filter"},
		{"b", "batches"},
		{"H", "runs"},
		{"R", "refresh"},
		{"q", "quit"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m Model) renderRankingLine(r schedule.Ranking, selected bool) string {
	name := r.Name
	if name == "" {
		name = r.TaskID
	}
	if len(name) > 40 {
		name = name[:37] + "..."
	}
	score := scoreStyle(r.Score).Render(fmt.Sprintf("%6.3f", r.Score))
	due := subtleStyle.Render(r.DeterminedEnd.In(m.location()).Format("01-02 15:04"))
	line := fmt.Sprintf("%s  %-40s  %s", score, name, due)
	if r.Project != "" {
		line += dimStyle.Render("  " + r.Project)
	}

	if selected {
		return rowSelectedStyle.Render("▸ " + line)
	}
	return rowStyle.Render(" " + line)
}

func (m Model) location() *time.Location {
	if m.opts.Location != nil {
		return m.opts.Location
	}
	if m.schema != nil && m.schema.Location != nil {
		return m.schema.Location
	}
	return time.Local
}

func scoreStyle(score float64) lipgloss.Style {
	switch {
	case score >= 1:
		return lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	case score >= 0.5:
		return lipgloss.NewStyle().Foreground(clrYellow)
	default:
		return lipgloss.NewStyle().Foreground(clrGreen)
	}
}

// ════════════════════════════════════════════════
// BATCHES VIEW
// ════════════════════════════════════════════════

func (m Model) viewBatches() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Batches"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d planned", len(m.batches))))
	b.WriteString("\n\n")
	b.WriteString(m.batchViewport.View())
	b.WriteString("\n\n")

	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func renderBatches(batches []schedule.Batch) string {
	if len(batches) == 0 {
		return dimStyle.Render("No batches with pending work.")
	}
	var parts []string
	for i, batch := range batches {
		var b strings.Builder
		b.WriteString(labelStyle.Render(fmt.Sprintf("#%d", i+1)))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  root %s  %.0f min", batch.Root, batch.Total)))
		for _, mem := range batch.Members {
			mark := "○"
			if mem.Status == task.StatusDone {
				mark = "✓"
			}
			b.WriteString(fmt.Sprintf("\n%s %-32s %5.0fm  due %s", mark, truncate(mem.Name, 32), mem.Duration,
				mem.DeterminedEnd.Format("01-02 15:04")))
		}
		parts = append(parts, batchStyle.Render(b.String()))
	}
	return strings.Join(parts, "\n")
}

// ════════════════════════════════════════════════
// RUNS VIEW
// ════════════════════════════════════════════════

func (m Model) viewRuns() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Sync runs"))
	b.WriteString("\n\n")

	if len(m.runs) == 0 {
		b.WriteString(dimStyle.Render("  No sync runs recorded.") + "\n")
	}
	for _, r := range m.runs {
		status := statusStyle.Render(r.Status)
		if r.Status == "failed" {
			status = lipgloss.NewStyle().Foreground(clrRed).Bold(true).Render(r.Status)
		}
		b.WriteString(fmt.Sprintf("  %s  %-9s pulled %d  changed %d  pruned %d  pushed %d  skipped %d\n",
			r.StartedAt.Format("01-02 15:04:05"), status, r.Pulled, r.Changed, r.Pruned, r.Pushed, r.Skipped))
		if r.Error != "" {
			b.WriteString(dimStyle.Render("    "+truncate(r.Error, 100)) + "\n")
		}
	}

	b.WriteString("\n")
	keys := []struct{ key, desc string }{
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

// ════════════════════════════════════════════════
// DETAIL VIEW
// ════════════════════════════════════════════════

func (m Model) viewDetail() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Task"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(m.detailID))
	b.WriteString("\n\n")
	b.WriteString(m.detailViewport.View())
	b.WriteString("\n\n")

	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func renderDetail(t *task.Task, chain schedule.Chain, events []store.Event, now time.Time, loc *time.Location) string {
	var b strings.Builder
	field := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + value + "\n")
	}

	field("Name", t.Name())
	field("Status", string(t.Status()))
	if p := t.Project(); p != "" {
		field("Project", p)
	}
	if win, ok := t.Window(); ok {
		field("Window", win.Start.In(loc).Format("2006-01-02 15:04")+" → "+win.End.In(loc).Format("2006-01-02 15:04"))
	}
	field("Duration", fmt.Sprintf("%.0f min", t.Duration()))
	field("Insurance", fmt.Sprintf("%.2f", t.Insurance()))
	field("Chain", fmt.Sprintf("%s (%d of %d)", strings.Join(chain.IDs, " → "), chain.Index+1, chain.Count()))

	if t.Active() {
		if res, ok := schedule.Score(t, chain, now, loc); ok {
			field("Score", fmt.Sprintf("%.3f", res.Score))
			field("Ideal end", res.IdealEnd.In(loc).Format("2006-01-02 15:04"))
		}
	}
	if end, ok := t.MetadataTime(task.MetaDeterminedEnd); ok {
		field("Due", end.In(loc).Format("2006-01-02 15:04"))
	}
	if done, ok := t.MetadataTime(task.MetaCompletedTime); ok {
		field("Completed", done.In(loc).Format("2006-01-02 15:04"))
	}

	b.WriteString("\n" + titleStyle.Render("Events") + "\n")
	if len(events) == 0 {
		b.WriteString(dimStyle.Render("none") + "\n")
	}
	for _, ev := range events {
		b.WriteString(fmt.Sprintf("%s  %-9s %s\n",
			subtleStyle.Render(ev.Timestamp.In(loc).Format("01-02 15:04:05")), ev.Type, ev.Content))
	}
	return b.String()
}

// ════════════════════════════════════════════════
// SHARED HELPERS
// ════════════════════════════════════════════════

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		key := footerKeyStyle.Render(k.key)
		desc := footerDescStyle.Render(k.desc)
		parts = append(parts, key+" "+desc)
	}
	return "  " + strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
