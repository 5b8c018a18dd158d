// Package revision implements the connection revision state machine: issuing
// versioned desired-state snapshots with a bounded three-slot history,
// activating older snapshots, revoking, and emitting the outbox events that
// carry each snapshot to the nodes. Every operation is a single transaction;
// a revision, its WireGuard side effects and its events commit or roll back
// together.
package revision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/tracegate/tracegate/internal/ipam"
	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/outbox"
	"github.com/tracegate/tracegate/internal/state"
)

// Config tunes revision rendering.
type Config struct {
	// DefaultHost stands in when a role has no active node endpoint.
	DefaultHost string
	// WireguardPoolID is the IPAM pool peers lease addresses from.
	WireguardPoolID    int64
	WireguardDNS       string
	WireguardMTU       int
	WireguardKeepalive int
	WsPath             string
}

// Engine issues, activates and revokes connection revisions.
type Engine struct {
	store  *state.Store
	alloc  *ipam.Allocator
	logger *slog.Logger
	cfg    Config
}

func NewEngine(store *state.Store, alloc *ipam.Allocator, logger *slog.Logger, cfg Config) *Engine {
	if cfg.DefaultHost == "" {
		cfg.DefaultHost = "localhost"
	}
	if cfg.WireguardDNS == "" {
		cfg.WireguardDNS = "1.1.1.1"
	}
	if cfg.WireguardMTU == 0 {
		cfg.WireguardMTU = 1380
	}
	if cfg.WsPath == "" {
		cfg.WsPath = "/ws"
	}
	return &Engine{store: store, alloc: alloc, logger: logger.With("component", "revision"), cfg: cfg}
}

// CreateRevision issues a new revision at slot 0, shifting the existing
// ACTIVE history down and revoking whatever falls off slot 2. For WireGuard
// connections the device's peer and address lease are provisioned in the
// same transaction. One outbox event per target role is emitted.
func (e *Engine) CreateRevision(ctx context.Context, connectionID string, camouflageSNIID int64, force bool) (model.ConnectionRevision, error) {
	var created model.ConnectionRevision
	err := e.store.WithTx(ctx, func(tx *state.Store) error {
		conn, err := tx.GetConnection(ctx, connectionID)
		if err != nil {
			return err
		}
		if conn.Status != model.StatusActive {
			return fmt.Errorf("connection %s is revoked", connectionID)
		}
		device, err := tx.GetDevice(ctx, conn.DeviceID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, device.UserID)
		if err != nil {
			return err
		}

		switch user.Entitlement {
		case model.EntitlementBlocked:
			return ErrUserBlocked
		case model.EntitlementGrace:
			// Only an unexpired grace window gates creation.
			if !force && user.GraceUntilNs > time.Now().UnixNano() {
				return &GraceError{UntilNs: user.GraceUntilNs}
			}
		}

		overrides := map[string]any{}
		if conn.OverridesJSON != "" {
			if err := json.Unmarshal([]byte(conn.OverridesJSON), &overrides); err != nil {
				return fmt.Errorf("parse overrides of %s: %w", conn.ID, err)
			}
		}
		if err := ValidateOverrides(model.Protocol(conn.Protocol), overrides); err != nil {
			return err
		}

		in := effectiveInput{conn: conn, user: user, device: device, overrides: overrides}

		var sniID int64
		if model.Protocol(conn.Protocol) == model.ProtocolVlessReality {
			sni, err := e.resolveSNI(ctx, tx, camouflageSNIID)
			if err != nil {
				return err
			}
			sniID = sni.ID
			in.sniFQDN = sni.FQDN
		}

		in.vpsT, in.vpsTHost, err = e.resolveNode(ctx, tx, model.NodeRoleTransit)
		if err != nil {
			return err
		}
		if model.Mode(conn.Mode) == model.ModeChain {
			in.vpsE, in.vpsEHost, err = e.resolveNode(ctx, tx, model.NodeRoleEntry)
			if err != nil {
				return err
			}
		}

		var peer model.WireguardPeer
		if model.Protocol(conn.Protocol) == model.ProtocolWireguard {
			peer, in.peerIP, err = e.ensurePeer(ctx, tx, device.ID)
			if err != nil {
				return err
			}
		}

		nowNs := time.Now().UnixNano()

		prior, err := tx.ListActiveRevisions(ctx, conn.ID)
		if err != nil {
			return err
		}
		if err := tx.ParkActiveRevisions(ctx, conn.ID, nowNs); err != nil {
			return err
		}
		for _, r := range prior {
			newSlot, status := r.Slot+1, model.StatusActive
			if newSlot > 2 {
				newSlot, status = 2, model.StatusRevoked
			}
			if err := tx.SetRevisionSlot(ctx, r.ID, newSlot, status, nowNs); err != nil {
				return err
			}
		}

		effective, err := e.buildEffective(in)
		if err != nil {
			return err
		}
		effJSON, err := json.Marshal(effective)
		if err != nil {
			return err
		}

		rev := model.ConnectionRevision{
			ID:              uuid.NewString(),
			ConnectionID:    conn.ID,
			Slot:            0,
			Status:          model.StatusActive,
			CamouflageSNIID: sniID,
			EffectiveJSON:   string(effJSON),
			CreatedAtNs:     nowNs,
			UpdatedAtNs:     nowNs,
		}
		if err := tx.InsertRevision(ctx, rev); err != nil {
			return err
		}

		if err := e.emitUpserts(ctx, tx, conn, user, peer, in.peerIP, rev, effective, nowNs, ""); err != nil {
			return err
		}

		created = rev
		return nil
	})
	if err != nil {
		return model.ConnectionRevision{}, err
	}
	e.logger.Info("revision created", "connection", connectionID, "revision", created.ID)
	return created, nil
}

// ActivateRevision renumbers slots so the given revision becomes slot 0 and
// the remaining ACTIVE revisions keep their prior relative order in slots 1
// and 2; anything past slot 2 is revoked. The activated configuration is
// re-emitted to the target roles.
func (e *Engine) ActivateRevision(ctx context.Context, revisionID string) (model.ConnectionRevision, error) {
	var activated model.ConnectionRevision
	err := e.store.WithTx(ctx, func(tx *state.Store) error {
		rev, err := tx.GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}
		conn, err := tx.GetConnection(ctx, rev.ConnectionID)
		if err != nil {
			return err
		}
		device, err := tx.GetDevice(ctx, conn.DeviceID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, device.UserID)
		if err != nil {
			return err
		}

		prior, err := tx.ListActiveRevisions(ctx, conn.ID)
		if err != nil {
			return err
		}
		nowNs := time.Now().UnixNano()
		if err := tx.ParkActiveRevisions(ctx, conn.ID, nowNs); err != nil {
			return err
		}
		if err := tx.SetRevisionSlot(ctx, rev.ID, 0, model.StatusActive, nowNs); err != nil {
			return err
		}
		next := 1
		for _, r := range prior {
			if r.ID == rev.ID {
				continue
			}
			if next > 2 {
				if err := tx.SetRevisionSlot(ctx, r.ID, 2, model.StatusRevoked, nowNs); err != nil {
					return err
				}
				continue
			}
			if err := tx.SetRevisionSlot(ctx, r.ID, next, model.StatusActive, nowNs); err != nil {
				return err
			}
			next++
		}

		effective := map[string]any{}
		if err := json.Unmarshal([]byte(rev.EffectiveJSON), &effective); err != nil {
			return fmt.Errorf("parse effective config of %s: %w", rev.ID, err)
		}

		var peer model.WireguardPeer
		var peerIP string
		if model.Protocol(conn.Protocol) == model.ProtocolWireguard {
			peer, peerIP, err = e.ensurePeer(ctx, tx, conn.DeviceID)
			if err != nil {
				return err
			}
		}

		rev.Slot = 0
		rev.Status = model.StatusActive
		rev.UpdatedAtNs = nowNs

		// Each activation must produce a fresh event even when the same
		// revision was delivered before, so the suffix carries the
		// activation timestamp.
		if err := e.emitUpserts(ctx, tx, conn, user, peer, peerIP, rev, effective, nowNs,
			fmt.Sprintf("act-%d", nowNs)); err != nil {
			return err
		}

		activated = rev
		return nil
	})
	if err != nil {
		return model.ConnectionRevision{}, err
	}
	e.logger.Info("revision activated", "connection", activated.ConnectionID, "revision", activated.ID)
	return activated, nil
}

// RevokeRevision marks the revision REVOKED, compacts the remaining ACTIVE
// slots to a prefix of {0,1,2} and emits removal events to the target roles.
// Revoking the last ACTIVE revision of a WireGuard connection also revokes
// the device peer and quarantines its address lease.
func (e *Engine) RevokeRevision(ctx context.Context, revisionID string) (model.ConnectionRevision, error) {
	var revoked model.ConnectionRevision
	err := e.store.WithTx(ctx, func(tx *state.Store) error {
		rev, err := tx.GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}
		if rev.Status == model.StatusRevoked {
			revoked = rev
			return nil
		}
		conn, err := tx.GetConnection(ctx, rev.ConnectionID)
		if err != nil {
			return err
		}
		device, err := tx.GetDevice(ctx, conn.DeviceID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, device.UserID)
		if err != nil {
			return err
		}

		prior, err := tx.ListActiveRevisions(ctx, conn.ID)
		if err != nil {
			return err
		}
		nowNs := time.Now().UnixNano()
		if err := tx.ParkActiveRevisions(ctx, conn.ID, nowNs); err != nil {
			return err
		}
		if err := tx.SetRevisionSlot(ctx, rev.ID, 2, model.StatusRevoked, nowNs); err != nil {
			return err
		}
		remaining := 0
		for _, r := range prior {
			if r.ID == rev.ID {
				continue
			}
			if err := tx.SetRevisionSlot(ctx, r.ID, remaining, model.StatusActive, nowNs); err != nil {
				return err
			}
			remaining++
		}

		opTs := nowNs
		for _, role := range TargetRoles(model.Mode(conn.Mode)) {
			suffix := rev.ID + ":" + string(role)
			var input outbox.Input
			if model.Protocol(conn.Protocol) == model.ProtocolWireguard {
				input = outbox.Input{
					Type:        model.EventWgPeerRemove,
					AggregateID: conn.ID,
					Payload: map[string]any{
						"device_id":     conn.DeviceID,
						"connection_id": conn.ID,
						"revision_id":   rev.ID,
						"op_ts":         opTs,
					},
					Roles:     []model.NodeRole{role},
					KeySuffix: suffix,
				}
			} else {
				input = outbox.Input{
					Type:        model.EventRevokeUser,
					AggregateID: conn.ID,
					Payload: map[string]any{
						"user_id": user.ID,
						"op_ts":   opTs,
					},
					Roles:     []model.NodeRole{role},
					KeySuffix: suffix,
				}
			}
			if _, err := outbox.CreateEvent(ctx, tx, input); err != nil {
				return err
			}
		}

		if remaining == 0 && model.Protocol(conn.Protocol) == model.ProtocolWireguard {
			peer, err := tx.GetActivePeerByDevice(ctx, conn.DeviceID)
			if err == nil {
				if err := tx.SetPeerStatus(ctx, peer.ID, model.StatusRevoked, nowNs); err != nil {
					return err
				}
				if err := e.alloc.Release(ctx, tx, peer.LeaseID, 0); err != nil {
					return err
				}
			} else if !errors.Is(err, state.ErrNotFound) {
				return err
			}
		}

		rev.Slot = 2
		rev.Status = model.StatusRevoked
		rev.UpdatedAtNs = nowNs
		revoked = rev
		return nil
	})
	if err != nil {
		return model.ConnectionRevision{}, err
	}
	e.logger.Info("revision revoked", "connection", revoked.ConnectionID, "revision", revoked.ID)
	return revoked, nil
}

// emitUpserts writes one UPSERT_USER (or WG_PEER_UPSERT) event per target
// role. WG payloads carry only the peer public key, assigned IP and preshared
// key; client private keys never enter the outbox.
func (e *Engine) emitUpserts(ctx context.Context, tx *state.Store, conn model.Connection, user model.User,
	peer model.WireguardPeer, peerIP string, rev model.ConnectionRevision, effective map[string]any,
	opTs int64, suffixNote string) error {

	for _, role := range TargetRoles(model.Mode(conn.Mode)) {
		suffix := rev.ID + ":" + string(role)
		if suffixNote != "" {
			suffix += ":" + suffixNote
		}

		var input outbox.Input
		if model.Protocol(conn.Protocol) == model.ProtocolWireguard {
			input = outbox.Input{
				Type:        model.EventWgPeerUpsert,
				AggregateID: conn.ID,
				Payload: map[string]any{
					"device_id":       conn.DeviceID,
					"connection_id":   conn.ID,
					"revision_id":     rev.ID,
					"peer_public_key": peer.PublicKey,
					"peer_ip":         peerIP,
					"preshared_key":   peer.PresharedKey,
					"op_ts":           opTs,
				},
				Roles:     []model.NodeRole{role},
				KeySuffix: suffix,
			}
		} else {
			input = outbox.Input{
				Type:        model.EventUpsertUser,
				AggregateID: conn.ID,
				Payload: map[string]any{
					"user_id":       user.ID,
					"connection_id": conn.ID,
					"revision_id":   rev.ID,
					"op_ts":         opTs,
					"protocol":      conn.Protocol,
					"variant":       conn.Variant,
					"config":        effective,
				},
				Roles:     []model.NodeRole{role},
				KeySuffix: suffix,
			}
		}
		if _, err := outbox.CreateEvent(ctx, tx, input); err != nil {
			return err
		}
	}
	return nil
}

// resolveSNI picks the camouflage SNI: explicit id if given (must be
// enabled), else the first enabled entry.
func (e *Engine) resolveSNI(ctx context.Context, tx *state.Store, id int64) (model.CamouflageSNI, error) {
	if id != 0 {
		sni, err := tx.GetSNI(ctx, id)
		if err != nil {
			return model.CamouflageSNI{}, err
		}
		if !sni.Enabled {
			return model.CamouflageSNI{}, fmt.Errorf("camouflage sni %d (%s) is disabled", sni.ID, sni.FQDN)
		}
		return sni, nil
	}
	snis, err := tx.ListEnabledSNIs(ctx)
	if err != nil {
		return model.CamouflageSNI{}, err
	}
	if len(snis) == 0 {
		return model.CamouflageSNI{}, ErrNoEnabledSNI
	}
	return snis[0], nil
}

// resolveNode picks the earliest-created active endpoint of a role. A role
// with no endpoint resolves to the default host with a zero endpoint.
func (e *Engine) resolveNode(ctx context.Context, tx *state.Store, role model.NodeRole) (model.NodeEndpoint, string, error) {
	nodes, err := tx.ListActiveNodesByRole(ctx, string(role))
	if err != nil {
		return model.NodeEndpoint{}, "", err
	}
	if len(nodes) == 0 {
		return model.NodeEndpoint{}, e.cfg.DefaultHost, nil
	}
	return nodes[0], e.nodeHost(nodes[0]), nil
}

func (e *Engine) nodeHost(n model.NodeEndpoint) string {
	if n.FQDN != "" {
		return n.FQDN
	}
	if n.PublicIP != "" {
		return n.PublicIP
	}
	return e.cfg.DefaultHost
}

// ensurePeer returns the device's ACTIVE WireGuard peer, provisioning key
// material and an address lease when none exists.
func (e *Engine) ensurePeer(ctx context.Context, tx *state.Store, deviceID string) (model.WireguardPeer, string, error) {
	peer, err := tx.GetActivePeerByDevice(ctx, deviceID)
	if err == nil {
		lease, err := tx.GetLease(ctx, peer.LeaseID)
		if err != nil {
			return model.WireguardPeer{}, "", err
		}
		return peer, lease.IP, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return model.WireguardPeer{}, "", err
	}
	if e.cfg.WireguardPoolID == 0 {
		return model.WireguardPeer{}, "", ErrPoolRequired
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return model.WireguardPeer{}, "", fmt.Errorf("generate peer key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return model.WireguardPeer{}, "", fmt.Errorf("generate preshared key: %w", err)
	}
	lease, err := e.alloc.Allocate(ctx, tx, e.cfg.WireguardPoolID, model.OwnerDevice, deviceID)
	if err != nil {
		return model.WireguardPeer{}, "", err
	}

	nowNs := time.Now().UnixNano()
	peer = model.WireguardPeer{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		PublicKey:    priv.PublicKey().String(),
		PrivateKey:   priv.String(),
		PresharedKey: psk.String(),
		LeaseID:      lease.ID,
		Status:       model.StatusActive,
		CreatedAtNs:  nowNs,
		UpdatedAtNs:  nowNs,
	}
	if err := tx.InsertPeer(ctx, peer); err != nil {
		return model.WireguardPeer{}, "", err
	}
	return peer, lease.IP, nil
}
