package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/dispatch"
	"github.com/tracegate/tracegate/internal/state"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Start the outbox dispatcher",
	Long: "Start the outbox dispatcher. Leases due deliveries from the shared\n" +
		"state database and pushes them to the node agents with retry backoff\n" +
		"and dead-lettering.",
	RunE: runDispatcher,
}

func init() {
	rootCmd.AddCommand(dispatcherCmd)
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadDispatcherConfig()
	if err != nil {
		return fmt.Errorf("tracegate dispatcher: %w", err)
	}
	logger := setupLogger(logLevel)
	logger.Info("starting tracegate dispatcher", "version", buildVersion, "state_dir", cfg.StateDir)

	db, err := state.OpenDB(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("tracegate dispatcher: %w", err)
	}
	defer db.Close()
	store := state.NewStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d := dispatch.New(store, cfg, logger)
	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("shutting down", "reason", ctx.Err())
		close(stopCh)
	}()

	// Blocks until stopCh closes; in-flight deliveries drain first.
	d.Run(stopCh)

	sent, failed := d.Stats()
	logger.Info("tracegate dispatcher stopped", "sent", sent, "failed", failed)
	return nil
}
