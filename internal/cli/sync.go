package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/tempo/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Pulls changed pages from the remote database, prunes deleted tasks,
recomputes scores and batch deadlines and pushes the ones that changed.`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync continuously until interrupted",
	RunE:  runLoop,
}

var syncJSON bool

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Print the cycle report as JSON")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	d, err := ws.driver()
	if err != nil {
		return err
	}

	rep, cycleErr := d.RunOnce(ctx)
	if rep == nil {
		return cycleErr
	}
	if syncJSON {
		if err := writeJSON(rep); err != nil {
			return err
		}
	} else {
		printReport(rep)
	}
	if cycleErr != nil {
		return fmt.Errorf("sync finished with errors: %w", cycleErr)
	}
	return nil
}

func printReport(rep *syncer.Report) {
	fmt.Printf("%sSync %s%s  %s%s%s\n", colorBold, rep.RunID[:8], colorReset,
		colorDim, rep.EndedAt.Sub(rep.StartedAt).Round(time.Millisecond), colorReset)
	fmt.Printf("  %-9s %d (%d changed)\n", "pulled:", rep.Pulled, rep.Changed)
	fmt.Printf("  %-9s %d\n", "pruned:", rep.Pruned)
	fmt.Printf("  %-9s %s%d%s\n", "pushed:", colorGreen, rep.Pushed, colorReset)
	fmt.Printf("  %-9s %d\n", "skipped:", rep.Skipped)
	if rep.Failed > 0 {
		fmt.Printf("  %-9s %s%d%s\n", "failed:", colorRed, rep.Failed, colorReset)
	}
	if rep.Plan != nil {
		fmt.Printf("  %-9s %d ranked, %d batches\n", "plan:", len(rep.Plan.Ranked), len(rep.Plan.Batches))
	}
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	d, err := ws.driver()
	if err != nil {
		return err
	}

	fmt.Printf("Syncing every %s. Press Ctrl+C to stop.\n", ws.cfg.Schedule.Interval())
	return runUntilDone(ctx, d)
}

func runUntilDone(ctx context.Context, d *syncer.Driver) error {
	if err := d.Run(ctx); err != nil {
		return err
	}
	fmt.Println("Stopped.")
	return nil
}
