package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active tasks ranked by score",
	RunE:  runStatus,
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Show the batch plan",
	RunE:  runBatches,
}

var (
	statusLimit int
	statusJSON  bool
)

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Show at most this many tasks (0 = all)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print rankings as JSON")

	rootCmd.AddCommand(batchesCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	plan, err := ws.plan(ctx)
	if err != nil {
		return err
	}
	rankings := plan.Rankings()
	if statusLimit > 0 && len(rankings) > statusLimit {
		rankings = rankings[:statusLimit]
	}

	if statusJSON {
		return writeJSON(rankings)
	}

	if len(rankings) == 0 {
		fmt.Printf("No active tasks. Run: %stempo sync%s\n", colorCyan, colorReset)
		return nil
	}

	loc := ws.schema.Location
	fmt.Printf("%sRanked tasks: %d active%s\n\n", colorBold, len(plan.Ranked), colorReset)
	for i, r := range rankings {
		fmt.Printf("  %3d. %s%6.3f%s  %-40s %sdue %s%s",
			i+1, scoreColor(r.Score), r.Score, colorReset,
			truncate(r.Name, 40),
			colorDim, r.DeterminedEnd.In(loc).Format("01-02 15:04"), colorReset)
		if r.Project != "" {
			fmt.Printf("  %s[%s]%s", colorCyan, r.Project, colorReset)
		}
		fmt.Println()
	}
	return nil
}

func scoreColor(score float64) string {
	switch {
	case score >= 1:
		return colorRed + colorBold
	case score >= 0.5:
		return colorYellow
	default:
		return colorGreen
	}
}

func runBatches(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	plan, err := ws.plan(ctx)
	if err != nil {
		return err
	}

	if len(plan.Batches) == 0 {
		fmt.Println("No batches with pending work.")
		return nil
	}

	loc := ws.schema.Location
	for i, b := range plan.Batches {
		fmt.Printf("%sBatch %d%s  %s%.0f min, root %s%s\n", colorBold, i+1, colorReset, colorDim, b.Total, b.Root, colorReset)
		for _, m := range b.Members {
			printBatchMember(m, loc)
		}
		fmt.Println()
	}
	return nil
}

func printBatchMember(m schedule.BatchMember, loc *time.Location) {
	mark := colorYellow + "○" + colorReset
	if m.Status == task.StatusDone {
		mark = colorGreen + "✓" + colorReset
	}
	fmt.Printf("  %s %-36s %5.0fm  due %s\n", mark, truncate(m.Name, 36), m.Duration,
		m.DeterminedEnd.In(loc).Format("01-02 15:04"))
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
