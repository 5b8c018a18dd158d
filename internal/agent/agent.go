// Package agent is the node-side consumer of outbox events. It applies each
// event exactly once (durable event-id ledger), maintains the on-disk
// artifact set, re-renders runtime configs through the reconciler, and runs
// the per-protocol reload commands when a rendered file changed.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/reconcile"
)

// XrayApplier pushes the desired client set into a running Xray instance
// without a restart.
type XrayApplier interface {
	SyncInbound(ctx context.Context, tag string, desired map[string]string) error
}

// Agent holds the node-side state shared by all event handlers.
type Agent struct {
	cfg    *config.AgentConfig
	ledger *Ledger
	index  *reconcile.Index
	rec    *reconcile.Reconciler
	logger *slog.Logger

	// reloadMu serializes reconcile+reload across concurrent events so a
	// reload never races a rewrite of the file it is picking up.
	reloadMu sync.Mutex

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, argv []string) error

	xray XrayApplier
}

// New builds an agent from a validated config, opening the event ledger and
// the artifact index under cfg.DataRoot.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	ledger, err := OpenLedger(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	index, err := reconcile.OpenIndex(cfg.DataRoot, logger)
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}

	a := &Agent{
		cfg:        cfg,
		ledger:     ledger,
		index:      index,
		rec:        reconcile.NewReconciler(cfg, index, logger),
		logger:     logger.With("component", "agent"),
		runCommand: runShellCommand,
	}
	return a, nil
}

// SetXrayApplier enables live gRPC apply for the Xray inbounds.
func (a *Agent) SetXrayApplier(x XrayApplier) { a.xray = x }

func (a *Agent) Close() error {
	return a.ledger.Close()
}

func runShellCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// reconcileAndReload renders the given kinds and runs the reload command for
// each kind whose runtime file changed. Held under reloadMu so concurrent
// handlers cannot interleave a render with a reload.
func (a *Agent) reconcileAndReload(ctx context.Context, kinds ...reconcile.Kind) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	changed, err := a.rec.Reconcile(kinds...)
	if err != nil {
		return err
	}
	for _, kind := range changed {
		if err := a.reload(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) reload(ctx context.Context, kind reconcile.Kind) error {
	var cmd []string
	switch kind {
	case reconcile.KindXray:
		if a.cfg.Xray.LiveApply && a.xray != nil {
			if err := a.liveApplyXray(ctx); err != nil {
				// Live apply is an optimization; the rendered file is
				// already correct and the reload command still runs.
				a.logger.Warn("xray live apply failed", "error", err)
			}
		}
		cmd = a.cfg.Xray.ReloadCommand
	case reconcile.KindHysteria:
		cmd = a.cfg.Hysteria.ReloadCommand
	case reconcile.KindWireguard:
		cmd = a.cfg.Wireguard.ReloadCommand
	}
	if len(cmd) == 0 {
		return nil
	}
	if err := a.runCommand(ctx, cmd); err != nil {
		return fmt.Errorf("reload %s: %w", kind, err)
	}
	a.logger.Info("reload executed", "kind", kind)
	return nil
}

// liveApplyXray syncs the desired email->uuid set of each managed inbound
// into the running Xray process.
func (a *Agent) liveApplyXray(ctx context.Context) error {
	desired := map[string]map[string]string{
		a.cfg.Xray.RealityInboundTag: {},
		a.cfg.Xray.WsInboundTag:      {},
	}
	for _, u := range a.index.Users() {
		var tag string
		switch u.Protocol {
		case "vless_reality":
			tag = a.cfg.Xray.RealityInboundTag
		case "vless_ws_tls":
			tag = a.cfg.Xray.WsInboundTag
		default:
			continue
		}
		uuid, _ := u.Config["uuid"].(string)
		if uuid == "" {
			continue
		}
		desired[tag][reconcile.ClientEmail(u.UserID, u.ConnectionID)] = uuid
	}
	for tag, want := range desired {
		if err := a.xray.SyncInbound(ctx, tag, want); err != nil {
			return fmt.Errorf("sync inbound %s: %w", tag, err)
		}
	}
	return nil
}
