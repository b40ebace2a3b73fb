package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show event log for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	RunE:  runRuns,
}

var runsLimit int

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")

	rootCmd.AddCommand(runsCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	id := args[0]
	events, err := ws.mirror.GetEvents(ctx, id)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for task %s\n", id)
		return nil
	}

	fmt.Printf("Events for task %s:\n\n", id)
	for _, e := range events {
		fmt.Printf("  %s  %-10s %s\n", e.Timestamp.In(ws.schema.Location).Format("2006-01-02 15:04:05"), e.Type, e.Content)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if runsLimit < 1 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, err := ws.mirror.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("No sync runs yet. Run: %stempo sync%s\n", colorCyan, colorReset)
		return nil
	}

	for _, r := range runs {
		color := colorGreen
		switch r.Status {
		case "failed":
			color = colorRed
		case "running":
			color = colorYellow
		}
		fmt.Printf("  %s  %s%-9s%s pulled %-4d changed %-4d pruned %-3d pushed %-4d skipped %-4d failed %d\n",
			r.StartedAt.In(ws.schema.Location).Format("2006-01-02 15:04:05"),
			color, r.Status, colorReset,
			r.Pulled, r.Changed, r.Pruned, r.Pushed, r.Skipped, r.Failed)
		if r.Error != "" {
			fmt.Printf("    %s%s%s\n", colorDim, truncate(r.Error, 120), colorReset)
		}
	}
	return nil
}
