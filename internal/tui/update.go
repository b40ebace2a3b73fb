package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			return m.handleFilterKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 6
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.detailViewport.Width = vw
		m.detailViewport.Height = vh
		m.batchViewport.Width = vw
		m.batchViewport.Height = vh
		return m, nil

	case planLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to plan: " + msg.err.Error())
			return m, nil
		}
		m.rankings = msg.rankings
		m.batches = msg.batches
		m.plannedAt = msg.at
		m.batchViewport.SetContent(renderBatches(m.batches))
		m.clampCursor()
		return m, nil

	case detailLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load " + msg.id + ": " + msg.err.Error())
			return m, nil
		}
		if m.screen != screenDetail || m.detailID != msg.id {
			m.detailViewport.GotoTop()
		}
		m.detailID = msg.id
		m.detailContent = msg.content
		m.detailViewport.SetContent(msg.content)
		m.screen = screenDetail
		return m, nil

	case runsLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load runs: " + msg.err.Error())
			return m, nil
		}
		m.runs = msg.runs
		m.screen = screenRuns
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadPlan())
		}
		return m, tea.Batch(cmds...)
	}

	switch m.screen {
	case screenDetail:
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	case screenBatches:
		var cmd tea.Cmd
		m.batchViewport, cmd = m.batchViewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.screen == screenTasks {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()

	case "esc":
		return m.goBack()

	case "R":
		m.refreshing = true
		return m, m.loadPlan()
	}

	switch m.screen {
	case screenTasks:
		return m.handleTasksKey(msg)
	case screenDetail:
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	case screenBatches:
		var cmd tea.Cmd
		m.batchViewport, cmd = m.batchViewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen != screenTasks {
		m.screen = screenTasks
		m.detailID = ""
	}
	return m, nil
}

func (m Model) handleTasksKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursor++
		m.clampCursor()
	case "k", "up":
		m.cursor--
		m.clampCursor()
	case "g", "home":
		m.cursor = 0
	case "G", "end":
		m.cursor = len(m.visible()) - 1
		m.clampCursor()

	case "enter", " ":
		if r, ok := m.selected(); ok {
			return m, m.loadDetail(r.TaskID)
		}

	case "b":
		m.batchViewport.GotoTop()
		m.screen = screenBatches

	case "H":
		return m, m.loadRuns()

	case "/":
		m.filtering = true
		m.filter.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.filtering = false
		m.filter.Blur()
		m.cursor = 0
		return m, nil
	case "esc":
		m.filtering = false
		m.filter.Blur()
		m.filter.Reset()
		m.clampCursor()
		return m, nil
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.clampCursor()
	return m, cmd
}
