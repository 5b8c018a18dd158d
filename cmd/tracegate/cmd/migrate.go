package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tracegate/tracegate/internal/state"
)

var migrateStateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply control-plane database migrations",
	Long: "Apply pending migrations to the control-plane state database and\n" +
		"exit. The control command migrates on startup too; this is for\n" +
		"pre-deploy pipelines that migrate before rolling the server.",
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateStateDir, "state-dir", "/var/lib/tracegate", "state directory")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if err := os.MkdirAll(migrateStateDir, 0o750); err != nil {
		return fmt.Errorf("tracegate migrate: create state dir: %w", err)
	}
	path := filepath.Join(migrateStateDir, "state.db")
	db, err := state.OpenDB(path)
	if err != nil {
		return fmt.Errorf("tracegate migrate: %w", err)
	}
	defer db.Close()

	if err := state.MigrateControlDB(db); err != nil {
		return fmt.Errorf("tracegate migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", path)
	return nil
}
