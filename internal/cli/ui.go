package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imkarma/tempo/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open interactive TUI dashboard",
	Long:  "Opens a dashboard with tasks ranked by score, the batch plan, per-task chains and events, and the sync run history.",
	RunE:  runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	ws, err := mustWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer ws.Close()

	model := tui.New(ws.mirror, ws.schema, ws.scheduleOptions())
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
