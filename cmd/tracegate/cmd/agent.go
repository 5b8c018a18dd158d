package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracegate/tracegate/internal/agent"
	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/xrayapi"
)

var agentCfgFile string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the node agent",
	Long: "Start the node agent on a gateway host. Accepts events from the\n" +
		"dispatcher, applies them to the artifact store and reconciles the\n" +
		"proxy runtime configs.",
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentCfgFile, "config", "/etc/tracegate/agent.yaml", "agent config file path")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgentConfig(agentCfgFile)
	if err != nil {
		return fmt.Errorf("tracegate agent: %w", err)
	}
	logger := setupLogger(logLevel)
	logger.Info("starting tracegate agent", "version", buildVersion, "data_root", cfg.DataRoot)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("tracegate agent: %w", err)
	}
	defer a.Close()

	if cfg.Xray.Enabled && cfg.Xray.LiveApply {
		xc, err := xrayapi.Dial(cfg.Xray.APIAddress, logger)
		if err != nil {
			logger.Warn("xray api unavailable, falling back to reload-only", "error", err)
		} else {
			defer xc.Close()
			a.SetXrayApplier(xc)
		}
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: a.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("tracegate agent: server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("tracegate agent stopped")
	return nil
}
