package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imkarma/tempo/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long:  "Serves ranked tasks, the batch plan, task detail and sync runs as JSON over HTTP.",
	RunE:  runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := mustWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	addr := serveAddr
	if addr == "" {
		addr = ws.cfg.Server.Addr
	}
	return server.New(ws.mirror, ws.schema, ws.scheduleOptions()).ListenAndServe(ctx, addr)
}
