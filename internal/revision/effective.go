package revision

import (
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

// Fixed server-side ports. These never appear in override maps.
const (
	RealityPort   = 443
	WsTLSPort     = 443
	HysteriaPort  = 443
	WireguardPort = 51820
)

// effectiveInput carries the resolved entities the per-protocol builders
// render from.
type effectiveInput struct {
	conn      model.Connection
	user      model.User
	device    model.Device
	overrides map[string]any
	sniFQDN   string
	vpsT      model.NodeEndpoint
	vpsTHost  string
	vpsE      model.NodeEndpoint
	vpsEHost  string
	peerIP    string
}

// buildEffective renders the frozen effective configuration for a revision.
// Each protocol has a hand-written shape; they are disjoint enough that a
// shared template would obscure more than it saves.
func (e *Engine) buildEffective(in effectiveInput) (map[string]any, error) {
	var cfg map[string]any
	switch model.Protocol(in.conn.Protocol) {
	case model.ProtocolVlessReality:
		cfg = e.buildReality(in)
	case model.ProtocolVlessWsTLS:
		cfg = e.buildWsTLS(in)
	case model.ProtocolHysteria2:
		cfg = e.buildHysteria(in)
	case model.ProtocolWireguard:
		cfg = e.buildWireguard(in)
	default:
		return nil, fmt.Errorf("unknown protocol %q", in.conn.Protocol)
	}

	// Validated client-side overrides replace defaults. The two control-side
	// keys steer resolution earlier and do not belong in the rendered config.
	for k, v := range in.overrides {
		if k == "mode" || k == "camouflage_sni_id" {
			continue
		}
		cfg[k] = v
	}
	return cfg, nil
}

func (e *Engine) buildReality(in effectiveInput) map[string]any {
	node, host := in.vpsT, in.vpsTHost
	chained := model.Mode(in.conn.Mode) == model.ModeChain
	if chained {
		node, host = in.vpsE, in.vpsEHost
	}

	cfg := map[string]any{
		"protocol":  "vless",
		"transport": "reality",
		"port":      RealityPort,
		"uuid":      in.conn.ID,
		"sni":       in.sniFQDN,
		"server":    host,
		"reality": map[string]any{
			"public_key": node.RealityPublicKey,
			"short_id":   node.RealityShortID,
		},
	}
	if chained {
		cfg["chain"] = map[string]any{
			"type":     "tcp_forward",
			"upstream": in.vpsTHost,
			"port":     RealityPort,
		}
	}
	return cfg
}

func (e *Engine) buildWsTLS(in effectiveInput) map[string]any {
	serverName := in.vpsT.ProxyFQDN
	if serverName == "" {
		serverName = in.vpsTHost
	}
	return map[string]any{
		"protocol":    "vless",
		"transport":   "ws_tls",
		"port":        WsTLSPort,
		"uuid":        in.conn.ID,
		"server":      in.vpsTHost,
		"server_name": serverName,
		"ws_host":     serverName,
		"ws_path":     e.cfg.WsPath,
	}
}

func (e *Engine) buildHysteria(in effectiveInput) map[string]any {
	marker := HysteriaMarker(in.conn.Variant, in.user.ID, in.conn.ID)
	host := in.vpsTHost
	chained := model.Mode(in.conn.Mode) == model.ModeChain
	if chained {
		host = in.vpsEHost
	}

	cfg := map[string]any{
		"protocol": "hysteria2",
		"port":     HysteriaPort,
		"server":   host,
		"auth": map[string]any{
			"username": marker,
			"password": in.device.ID,
		},
		"username_aliases": []string{
			marker,
			HysteriaAlias(in.conn.Variant, in.user.ID, in.conn.ID),
		},
	}
	if chained {
		cfg["chain"] = map[string]any{
			"type":     "udp_forward",
			"upstream": in.vpsTHost,
			"port":     HysteriaPort,
		}
	}
	return cfg
}

func (e *Engine) buildWireguard(in effectiveInput) map[string]any {
	cfg := map[string]any{
		"protocol":          "wireguard",
		"endpoint":          fmt.Sprintf("%s:%d", in.vpsTHost, WireguardPort),
		"interface_address": in.peerIP + "/32",
		"dns":               e.cfg.WireguardDNS,
		"mtu":               e.cfg.WireguardMTU,
		"server_public_key": in.vpsT.WgPublicKey,
		"allowed_ips":       "0.0.0.0/0, ::/0",
	}
	if e.cfg.WireguardKeepalive > 0 {
		cfg["persistent_keepalive"] = e.cfg.WireguardKeepalive
	}
	return cfg
}

// TargetRoles maps a connection shape to the node roles its events fan out
// to. Chained variants front on VPS-E and still terminate on VPS-T.
func TargetRoles(mode model.Mode) []model.NodeRole {
	if mode == model.ModeChain {
		return []model.NodeRole{model.NodeRoleEntry, model.NodeRoleTransit}
	}
	return []model.NodeRole{model.NodeRoleTransit}
}
