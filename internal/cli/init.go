package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize tempo in the current directory",
	Long:  "Creates a .tempo/ directory with default config and mirror database.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check if already initialized.
	if _, err := os.Stat(tempoDirName); err == nil {
		return fmt.Errorf("tempo already initialized in this directory (.tempo/ exists)")
	}

	if err := os.MkdirAll(tempoDirName, 0755); err != nil {
		return fmt.Errorf("create .tempo: %w", err)
	}

	// Write default config.
	cfg := config.DefaultConfig()
	if err := config.Save(tempoPath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Create database by opening store (migration runs automatically).
	st, err := store.New(cfg.Mirror.Path)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	st.Close()

	fmt.Println("Initialized tempo in .tempo/")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .tempo/config.yaml: set remote.database_id and the property names")
	fmt.Printf("  2. Export %s (or put it in .tempo/.env)\n", cfg.Remote.APIKeyEnv)
	fmt.Println("  3. Run: tempo sync")

	return nil
}
