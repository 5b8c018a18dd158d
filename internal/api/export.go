package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tracegate/tracegate/internal/model"
)

// ExportResponse is the client-facing form of a revision. ShareLink is set
// for the URI-style protocols; WireguardConf carries a complete client
// config body for WireGuard.
type ExportResponse struct {
	RevisionID    string `json:"revision_id"`
	Protocol      string `json:"protocol"`
	ShareLink     string `json:"share_link,omitempty"`
	WireguardConf string `json:"wireguard_conf,omitempty"`
}

// buildExport renders a revision's frozen effective config into the form a
// client app imports.
func buildExport(ctx context.Context, deps Deps, conn model.Connection, rev model.ConnectionRevision) (ExportResponse, error) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(rev.EffectiveJSON), &cfg); err != nil {
		return ExportResponse{}, fmt.Errorf("parse effective config of %s: %w", rev.ID, err)
	}

	out := ExportResponse{RevisionID: rev.ID, Protocol: conn.Protocol}
	switch model.Protocol(conn.Protocol) {
	case model.ProtocolVlessReality:
		out.ShareLink = realityLink(conn, cfg)
	case model.ProtocolVlessWsTLS:
		out.ShareLink = wsTLSLink(conn, cfg)
	case model.ProtocolHysteria2:
		out.ShareLink = hysteriaLink(conn, cfg)
	case model.ProtocolWireguard:
		body, err := wireguardConf(ctx, deps, conn, cfg)
		if err != nil {
			return ExportResponse{}, err
		}
		out.WireguardConf = body
	default:
		return ExportResponse{}, invalidArgument("connection has unknown protocol " + conn.Protocol)
	}
	return out, nil
}

func cfgStr(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func cfgInt(cfg map[string]any, key string, fallback int) int {
	if v, ok := cfg[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func linkName(conn model.Connection) string {
	return fmt.Sprintf("tracegate-%s-%s", strings.ToLower(conn.Variant), shortID(conn.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func realityLink(conn model.Connection, cfg map[string]any) string {
	reality, _ := cfg["reality"].(map[string]any)
	q := url.Values{}
	q.Set("security", "reality")
	q.Set("encryption", "none")
	q.Set("type", "tcp")
	q.Set("flow", "xtls-rprx-vision")
	q.Set("sni", cfgStr(cfg, "sni"))
	q.Set("fp", "chrome")
	if reality != nil {
		if pbk, ok := reality["public_key"].(string); ok {
			q.Set("pbk", pbk)
		}
		if sid, ok := reality["short_id"].(string); ok {
			q.Set("sid", sid)
		}
	}
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		cfgStr(cfg, "uuid"), cfgStr(cfg, "server"), cfgInt(cfg, "port", 443),
		q.Encode(), url.PathEscape(linkName(conn)))
}

func wsTLSLink(conn model.Connection, cfg map[string]any) string {
	q := url.Values{}
	q.Set("security", "tls")
	q.Set("encryption", "none")
	q.Set("type", "ws")
	q.Set("sni", cfgStr(cfg, "server_name"))
	q.Set("host", cfgStr(cfg, "ws_host"))
	q.Set("path", cfgStr(cfg, "ws_path"))
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		cfgStr(cfg, "uuid"), cfgStr(cfg, "server"), cfgInt(cfg, "port", 443),
		q.Encode(), url.PathEscape(linkName(conn)))
}

func hysteriaLink(conn model.Connection, cfg map[string]any) string {
	auth, _ := cfg["auth"].(map[string]any)
	username, _ := auth["username"].(string)
	password, _ := auth["password"].(string)
	q := url.Values{}
	q.Set("sni", cfgStr(cfg, "server"))
	return fmt.Sprintf("hysteria2://%s:%s@%s:%d/?%s#%s",
		url.QueryEscape(username), url.QueryEscape(password),
		cfgStr(cfg, "server"), cfgInt(cfg, "port", 443),
		q.Encode(), url.PathEscape(linkName(conn)))
}

// wireguardConf renders a full client config. This is the only surface where
// the stored client private key leaves the control plane.
func wireguardConf(ctx context.Context, deps Deps, conn model.Connection, cfg map[string]any) (string, error) {
	peer, err := deps.Store.GetActivePeerByDevice(ctx, conn.DeviceID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", cfgStr(cfg, "interface_address"))
	fmt.Fprintf(&b, "DNS = %s\n", cfgStr(cfg, "dns"))
	if mtu := cfgInt(cfg, "mtu", 0); mtu > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", mtu)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfgStr(cfg, "server_public_key"))
	if peer.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\n", cfgStr(cfg, "endpoint"))
	fmt.Fprintf(&b, "AllowedIPs = %s\n", cfgStr(cfg, "allowed_ips"))
	if ka := cfgInt(cfg, "persistent_keepalive", 0); ka > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", ka)
	}
	return b.String(), nil
}
