package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
)

// XrayRenderConfig names the managed inbounds and the server names that are
// always allowed regardless of the current artifact set.
type XrayRenderConfig struct {
	RealityInboundTag  string
	WsInboundTag       string
	PreseedServerNames []string
}

// ClientEmail is the stable Xray client identity for a connection. It is used
// both in rendered configs and for the live gRPC user sync.
func ClientEmail(userID int64, connectionID string) string {
	return fmt.Sprintf("%d-%s", userID, connectionID)
}

// RenderXray merges the dynamic VLESS clients into the base Xray config.
// Base clients are kept; a dynamic client with the same uuid replaces the
// base entry. The REALITY inbound additionally gets its serverNames set to
// the union of base names, preseed names and every artifact's SNI.
func RenderXray(base []byte, users []UserArtifact, cfg XrayRenderConfig) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("parse base xray config: %w", err)
	}

	inbounds, _ := doc["inbounds"].([]any)
	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := inbound["tag"].(string)
		switch tag {
		case cfg.RealityInboundTag:
			arts := filterProtocol(users, "vless_reality")
			mergeClients(inbound, realityClients(arts))
			setServerNames(inbound, serverNameUnion(inbound, arts, cfg.PreseedServerNames))
		case cfg.WsInboundTag:
			mergeClients(inbound, wsClients(filterProtocol(users, "vless_ws_tls")))
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func filterProtocol(users []UserArtifact, protocol string) []UserArtifact {
	var out []UserArtifact
	for _, a := range users {
		if a.Protocol == protocol {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func realityClients(arts []UserArtifact) []map[string]any {
	out := make([]map[string]any, 0, len(arts))
	for _, a := range arts {
		out = append(out, map[string]any{
			"id":    a.configString("uuid"),
			"email": ClientEmail(a.UserID, a.ConnectionID),
			"flow":  "xtls-rprx-vision",
		})
	}
	return out
}

func wsClients(arts []UserArtifact) []map[string]any {
	out := make([]map[string]any, 0, len(arts))
	for _, a := range arts {
		out = append(out, map[string]any{
			"id":    a.configString("uuid"),
			"email": ClientEmail(a.UserID, a.ConnectionID),
		})
	}
	return out
}

// mergeClients appends dynamic clients to the inbound's settings.clients,
// replacing base clients that carry the same id.
func mergeClients(inbound map[string]any, dynamic []map[string]any) {
	settings, ok := inbound["settings"].(map[string]any)
	if !ok {
		settings = map[string]any{}
		inbound["settings"] = settings
	}
	baseClients, _ := settings["clients"].([]any)

	byID := map[string]map[string]any{}
	for _, c := range dynamic {
		if id, _ := c["id"].(string); id != "" {
			byID[id] = c
		}
	}

	merged := make([]any, 0, len(baseClients)+len(dynamic))
	for _, raw := range baseClients {
		c, ok := raw.(map[string]any)
		if !ok {
			merged = append(merged, raw)
			continue
		}
		id, _ := c["id"].(string)
		if repl, dup := byID[id]; dup {
			merged = append(merged, repl)
			delete(byID, id)
			continue
		}
		merged = append(merged, c)
	}
	for _, c := range dynamic {
		if id, _ := c["id"].(string); id != "" {
			if _, pending := byID[id]; pending {
				merged = append(merged, c)
				delete(byID, id)
			}
		}
	}
	settings["clients"] = merged
}

// serverNameUnion keeps the base serverNames in order and appends the new
// names (artifact SNIs plus preseed) sorted.
func serverNameUnion(inbound map[string]any, arts []UserArtifact, preseed []string) []string {
	var baseNames []string
	if stream, ok := inbound["streamSettings"].(map[string]any); ok {
		if reality, ok := stream["realitySettings"].(map[string]any); ok {
			if names, ok := reality["serverNames"].([]any); ok {
				for _, n := range names {
					if s, ok := n.(string); ok {
						baseNames = append(baseNames, s)
					}
				}
			}
		}
	}

	seen := map[string]bool{}
	union := make([]string, 0, len(baseNames))
	for _, n := range baseNames {
		if !seen[n] {
			seen[n] = true
			union = append(union, n)
		}
	}
	var extra []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			extra = append(extra, n)
		}
	}
	for _, a := range arts {
		add(a.configString("sni"))
	}
	for _, n := range preseed {
		add(n)
	}
	sort.Strings(extra)
	return append(union, extra...)
}

func setServerNames(inbound map[string]any, names []string) {
	stream, ok := inbound["streamSettings"].(map[string]any)
	if !ok {
		return
	}
	reality, ok := stream["realitySettings"].(map[string]any)
	if !ok {
		return
	}
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	reality["serverNames"] = out
}
