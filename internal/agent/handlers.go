package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tracegate/tracegate/internal/fsutil"
	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/reconcile"
)

// handlerError is a payload or precondition problem. It maps to a 400, which
// the dispatcher retries; everything else is treated the same way but logged
// as an internal failure.
type handlerError struct{ reason string }

func (e *handlerError) Error() string { return e.reason }

func badPayload(format string, args ...any) error {
	return &handlerError{reason: fmt.Sprintf(format, args...)}
}

// handle dispatches one event to its handler and returns the result message
// for the agent response.
func (a *Agent) handle(ctx context.Context, eventType string, payload json.RawMessage) (string, error) {
	switch eventType {
	case string(model.EventApplyBundle):
		return a.handleApplyBundle(ctx, payload)
	case string(model.EventUpsertUser):
		return a.handleUpsertUser(ctx, payload)
	case string(model.EventRevokeUser):
		return a.handleRevokeUser(ctx, payload)
	case string(model.EventRevokeConnection):
		return a.handleRevokeConnection(ctx, payload)
	case string(model.EventWgPeerUpsert):
		return a.handleWgPeerUpsert(ctx, payload)
	case string(model.EventWgPeerRemove):
		return a.handleWgPeerRemove(ctx, payload)
	default:
		return "", badPayload("unknown event type %q", eventType)
	}
}

type bundlePayload struct {
	BundleName string            `json:"bundle_name"`
	Files      map[string]string `json:"files"`
	Commands   [][]string        `json:"commands"`
}

func (a *Agent) handleApplyBundle(ctx context.Context, payload json.RawMessage) (string, error) {
	var p bundlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode bundle payload: %v", err)
	}
	if p.BundleName == "" || !filepath.IsLocal(p.BundleName) {
		return "", badPayload("invalid bundle name %q", p.BundleName)
	}

	root := filepath.Join(a.cfg.DataRoot, "bundles", p.BundleName)

	// Validate every path before writing anything.
	paths := make([]string, 0, len(p.Files))
	for rel := range p.Files {
		if rel == "" || !filepath.IsLocal(rel) {
			return "", badPayload("file path %q escapes bundle root", rel)
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		dst := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("create bundle dir: %w", err)
		}
		if err := fsutil.WriteFileAtomic(dst, []byte(p.Files[rel]), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
	}
	for _, cmd := range p.Commands {
		if err := a.runCommand(ctx, cmd); err != nil {
			return "", fmt.Errorf("bundle command: %w", err)
		}
	}
	a.logger.Info("bundle applied", "bundle", p.BundleName, "files", len(paths), "commands", len(p.Commands))
	return fmt.Sprintf("bundle %s applied", p.BundleName), nil
}

func (a *Agent) handleUpsertUser(ctx context.Context, payload json.RawMessage) (string, error) {
	var p reconcile.UserArtifact
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode upsert payload: %v", err)
	}
	if p.UserID <= 0 || p.ConnectionID == "" {
		return "", badPayload("upsert requires user_id and connection_id")
	}

	applied, err := a.index.PutUser(p.UserID, p.ConnectionID, payload, p.OpTs)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	if !applied {
		return "ignored older upsert", nil
	}

	if err := a.reconcileAndReload(ctx, protocolKinds(p.Protocol)...); err != nil {
		return "", err
	}
	return "applied", nil
}

type revokeUserPayload struct {
	UserID int64 `json:"user_id"`
	OpTs   int64 `json:"op_ts"`
}

func (a *Agent) handleRevokeUser(ctx context.Context, payload json.RawMessage) (string, error) {
	var p revokeUserPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode revoke payload: %v", err)
	}
	if p.UserID <= 0 {
		return "", badPayload("revoke requires user_id")
	}

	removed, err := a.index.RemoveUserOwned(p.UserID, p.OpTs)
	if err != nil {
		return "", fmt.Errorf("index removal: %w", err)
	}
	userDir := filepath.Join(a.cfg.DataRoot, "users", fmt.Sprint(p.UserID))
	if err := os.RemoveAll(userDir); err != nil {
		return "", fmt.Errorf("remove user dir: %w", err)
	}

	if err := a.reconcileAndReload(ctx, reconcile.KindXray, reconcile.KindHysteria); err != nil {
		return "", err
	}
	return fmt.Sprintf("revoked %d connections", len(removed)), nil
}

type revokeConnectionPayload struct {
	UserID       int64  `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	OpTs         int64  `json:"op_ts"`
}

func (a *Agent) handleRevokeConnection(ctx context.Context, payload json.RawMessage) (string, error) {
	var p revokeConnectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode revoke payload: %v", err)
	}
	if p.UserID <= 0 || p.ConnectionID == "" {
		return "", badPayload("revoke requires user_id and connection_id")
	}

	if err := a.index.RemoveUser(p.ConnectionID, p.OpTs); err != nil {
		return "", fmt.Errorf("index removal: %w", err)
	}
	userDir := filepath.Join(a.cfg.DataRoot, "users", fmt.Sprint(p.UserID))
	path := filepath.Join(userDir, fmt.Sprintf("connection-%s.json", p.ConnectionID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove artifact: %w", err)
	}
	// Best effort; fails while siblings remain.
	os.Remove(userDir)

	if err := a.reconcileAndReload(ctx, reconcile.KindXray, reconcile.KindHysteria); err != nil {
		return "", err
	}
	return "revoked", nil
}

func (a *Agent) handleWgPeerUpsert(ctx context.Context, payload json.RawMessage) (string, error) {
	var p reconcile.WgPeerArtifact
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode peer payload: %v", err)
	}
	key := peerKey(p)
	if key == "" {
		return "", badPayload("peer upsert requires one of device_id, connection_id, revision_id")
	}
	if p.PeerPublicKey == "" || p.PeerIP == "" {
		return "", badPayload("peer upsert requires peer_public_key and peer_ip")
	}

	applied, err := a.index.PutWgPeer(key, payload, p.OpTs)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	if !applied {
		return "ignored older upsert", nil
	}

	if err := a.reconcileAndReload(ctx, reconcile.KindWireguard); err != nil {
		return "", err
	}
	return "applied", nil
}

func (a *Agent) handleWgPeerRemove(ctx context.Context, payload json.RawMessage) (string, error) {
	var p reconcile.WgPeerArtifact
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", badPayload("decode peer payload: %v", err)
	}
	key := peerKey(p)
	if key == "" {
		return "", badPayload("peer remove requires one of device_id, connection_id, revision_id")
	}

	if err := a.index.RemoveWgPeer(key, p.OpTs); err != nil {
		return "", fmt.Errorf("index removal: %w", err)
	}
	path := filepath.Join(a.cfg.DataRoot, "wg-peers", fmt.Sprintf("peer-%s.json", key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove artifact: %w", err)
	}

	if err := a.reconcileAndReload(ctx, reconcile.KindWireguard); err != nil {
		return "", err
	}
	return "removed", nil
}

// peerKey picks the peer file key, first non-empty wins.
func peerKey(p reconcile.WgPeerArtifact) string {
	switch {
	case p.DeviceID != "":
		return p.DeviceID
	case p.ConnectionID != "":
		return p.ConnectionID
	default:
		return p.RevisionID
	}
}

func protocolKinds(protocol string) []reconcile.Kind {
	switch protocol {
	case "hysteria2":
		return []reconcile.Kind{reconcile.KindHysteria}
	case "vless_reality", "vless_ws_tls":
		return []reconcile.Kind{reconcile.KindXray}
	default:
		return []reconcile.Kind{reconcile.KindXray, reconcile.KindHysteria}
	}
}
