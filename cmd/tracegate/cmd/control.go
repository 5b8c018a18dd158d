package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/tracegate/tracegate/internal/api"
	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/ipam"
	"github.com/tracegate/tracegate/internal/revision"
	"github.com/tracegate/tracegate/internal/state"
)

// shutdownTimeout is the maximum time for graceful HTTP drain.
const shutdownTimeout = 5 * time.Second

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Start the control-plane API server",
	Long: "Start the control-plane API server. Migrates the state database,\n" +
		"ensures the WireGuard address pool and runs the background sweeps for\n" +
		"lease quarantine and outbox retention.",
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

func runControl(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return fmt.Errorf("tracegate control: %w", err)
	}
	logger := setupLogger(logLevel)
	logger.Info("starting tracegate control plane", "version", buildVersion, "state_dir", cfg.StateDir)

	if config.IsWeakToken(cfg.AdminToken) {
		logger.Warn("admin token looks guessable, consider rotating it")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("tracegate control: create state dir: %w", err)
	}
	db, err := state.OpenDB(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("tracegate control: %w", err)
	}
	defer db.Close()
	if err := state.MigrateControlDB(db); err != nil {
		return fmt.Errorf("tracegate control: migrate: %w", err)
	}
	store := state.NewStore(db)
	alloc := ipam.NewAllocator(store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := alloc.EnsurePool(ctx, cfg.WireguardPoolCIDR, cfg.WireguardPoolGateway, cfg.WireguardQuarantine)
	if err != nil {
		return fmt.Errorf("tracegate control: ensure wireguard pool: %w", err)
	}
	engine := revision.NewEngine(store, alloc, logger, revision.Config{
		DefaultHost:        cfg.DefaultHost,
		WireguardPoolID:    pool.ID,
		WireguardDNS:       cfg.WireguardDNS,
		WireguardMTU:       cfg.WireguardMTU,
		WireguardKeepalive: cfg.WireguardKeepalive,
		WsPath:             cfg.WsPath,
	})

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.QuarantineReapSchedule, func() {
		if n, err := alloc.ReapExpired(context.Background()); err != nil {
			logger.Error("quarantine reap failed", "error", err)
		} else if n > 0 {
			logger.Info("quarantine reap released leases", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("tracegate control: schedule quarantine reap: %w", err)
	}
	if _, err := sched.AddFunc(cfg.OutboxRetentionSchedule, func() {
		cutoff := time.Now().Add(-cfg.OutboxRetention).UnixNano()
		if n, err := store.DeleteSentEventsBefore(context.Background(), cutoff); err != nil {
			logger.Error("outbox retention sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("outbox retention deleted sent events", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("tracegate control: schedule outbox retention: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(cfg.ListenAddress, cfg.APIPort, cfg.AdminToken, int64(cfg.APIMaxBodyBytes), api.Deps{
		Store:  store,
		Engine: engine,
		Alloc:  alloc,
		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "address", cfg.ListenAddress, "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("tracegate control: api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("tracegate control plane stopped")
	return nil
}
