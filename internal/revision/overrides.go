package revision

import (
	"github.com/tracegate/tracegate/internal/model"
)

// Per-protocol override policy. A key must be in the allow set; the deny sets
// name security-sensitive fields explicitly so a policy edit that widens the
// allow list cannot silently expose them.
var (
	allowedOverrides = map[model.Protocol]map[string]bool{
		model.ProtocolVlessReality: {
			"mode":              true,
			"camouflage_sni_id": true,
			"connect_timeout_ms": true,
			"dial_timeout_ms":    true,
			"local_socks_port":   true,
			"tcp_fast_open":      true,
		},
		model.ProtocolVlessWsTLS: {
			"connect_timeout_ms": true,
			"dial_timeout_ms":    true,
			"local_socks_port":   true,
			"tcp_fast_open":      true,
		},
		model.ProtocolHysteria2: {
			"client_mode":  true,
			"up_mbps":      true,
			"down_mbps":    true,
			"socks_listen": true,
			"http_listen":  true,
		},
		model.ProtocolWireguard: {
			"dns":                  true,
			"mtu":                  true,
			"persistent_keepalive": true,
			"allowed_ips":          true,
		},
	}

	forbiddenOverrides = map[model.Protocol]map[string]bool{
		model.ProtocolVlessReality: {
			"port":                true,
			"server_port":         true,
			"reality_server_port": true,
			"chain_sni":           true,
		},
		model.ProtocolVlessWsTLS: {
			"port":        true,
			"server_port": true,
		},
		model.ProtocolHysteria2: {
			"masquerade":           true,
			"traffic_stats_secret": true,
			"disable_stats_auth":   true,
			"server_port":          true,
			"port":                 true,
		},
		model.ProtocolWireguard: {
			"listen_port":   true,
			"endpoint_port": true,
			"server_port":   true,
		},
	}
)

// ValidateOverrides checks the override map against the protocol's policy.
// Forbidden keys and keys absent from the allow list both fail.
func ValidateOverrides(protocol model.Protocol, overrides map[string]any) error {
	allowed := allowedOverrides[protocol]
	forbidden := forbiddenOverrides[protocol]
	for key := range overrides {
		if forbidden[key] {
			return &OverrideError{Key: key, Reason: "forbidden for " + string(protocol)}
		}
		if !allowed[key] {
			return &OverrideError{Key: key, Reason: "unknown for " + string(protocol)}
		}
	}
	return nil
}
