package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/fsutil"
)

// Kind names one rendered runtime config.
type Kind string

const (
	KindXray      Kind = "xray"
	KindHysteria  Kind = "hysteria"
	KindWireguard Kind = "wireguard"
)

// Reconciler re-renders runtime configs from base templates plus the current
// artifact index. A render is a no-op when the base template is absent or the
// rendered bytes already match the runtime file.
type Reconciler struct {
	cfg    *config.AgentConfig
	index  *Index
	logger *slog.Logger
}

func NewReconciler(cfg *config.AgentConfig, index *Index, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		index:  index,
		logger: logger.With("component", "reconcile"),
	}
}

// Reconcile renders the requested kinds (all enabled kinds when none are
// given) and returns the kinds whose runtime files actually changed.
func (r *Reconciler) Reconcile(kinds ...Kind) ([]Kind, error) {
	if len(kinds) == 0 {
		kinds = r.enabledKinds()
	}

	var changed []Kind
	for _, kind := range kinds {
		wrote, err := r.reconcileKind(kind)
		if err != nil {
			return changed, fmt.Errorf("reconcile %s: %w", kind, err)
		}
		if wrote {
			changed = append(changed, kind)
		}
	}
	return changed, nil
}

func (r *Reconciler) enabledKinds() []Kind {
	var kinds []Kind
	if r.cfg.Xray.Enabled {
		kinds = append(kinds, KindXray)
	}
	if r.cfg.Hysteria.Enabled {
		kinds = append(kinds, KindHysteria)
	}
	if r.cfg.Wireguard.Enabled {
		kinds = append(kinds, KindWireguard)
	}
	return kinds
}

func (r *Reconciler) reconcileKind(kind Kind) (bool, error) {
	fileName, enabled := r.kindFile(kind)
	if !enabled {
		return false, nil
	}

	basePath := filepath.Join(r.cfg.DataRoot, "base", string(kind), fileName)
	base, err := os.ReadFile(basePath)
	if os.IsNotExist(err) {
		r.logger.Debug("base template absent, skipping", "kind", kind, "path", basePath)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var rendered []byte
	switch kind {
	case KindXray:
		rendered, err = RenderXray(base, r.index.Users(), XrayRenderConfig{
			RealityInboundTag:  r.cfg.Xray.RealityInboundTag,
			WsInboundTag:       r.cfg.Xray.WsInboundTag,
			PreseedServerNames: r.cfg.Xray.PreseedServerNames,
		})
	case KindHysteria:
		rendered, err = RenderHysteria(base, r.index.Users())
	case KindWireguard:
		rendered, err = RenderWireguard(base, r.index.WgPeers())
	default:
		return false, fmt.Errorf("unknown kind %q", kind)
	}
	if err != nil {
		return false, err
	}

	return r.writeIfChanged(kind, fileName, rendered)
}

func (r *Reconciler) kindFile(kind Kind) (fileName string, enabled bool) {
	switch kind {
	case KindXray:
		return r.cfg.Xray.FileName, r.cfg.Xray.Enabled
	case KindHysteria:
		return r.cfg.Hysteria.FileName, r.cfg.Hysteria.Enabled
	case KindWireguard:
		return r.cfg.Wireguard.FileName, r.cfg.Wireguard.Enabled
	}
	return "", false
}

func (r *Reconciler) writeIfChanged(kind Kind, fileName string, rendered []byte) (bool, error) {
	outPath := filepath.Join(r.cfg.DataRoot, "runtime", string(kind), fileName)
	current, err := os.ReadFile(outPath)
	if err == nil && xxh3.Hash(current) == xxh3.Hash(rendered) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return false, err
	}
	if err := fsutil.WriteFileAtomic(outPath, rendered, 0o644); err != nil {
		return false, err
	}
	r.logger.Info("runtime config rewritten", "kind", kind, "path", outPath, "bytes", len(rendered))
	return true, nil
}
