// Package reconcile maintains the node's artifact index and renders the
// protocol runtime configs (Xray, Hysteria2, WireGuard) from base templates
// plus the current artifact set, writing each runtime file only when its
// content actually changed.
package reconcile

import "encoding/json"

// UserArtifact is the stored payload of an UPSERT_USER event.
type UserArtifact struct {
	UserID       int64          `json:"user_id"`
	ConnectionID string         `json:"connection_id"`
	RevisionID   string         `json:"revision_id"`
	OpTs         int64          `json:"op_ts"`
	Protocol     string         `json:"protocol"`
	Variant      string         `json:"variant"`
	Config       map[string]any `json:"config"`
}

// WgPeerArtifact is the stored payload of a WG_PEER_UPSERT event.
type WgPeerArtifact struct {
	DeviceID      string `json:"device_id"`
	ConnectionID  string `json:"connection_id"`
	RevisionID    string `json:"revision_id"`
	PeerPublicKey string `json:"peer_public_key"`
	PeerIP        string `json:"peer_ip"`
	PresharedKey  string `json:"preshared_key"`
	OpTs          int64  `json:"op_ts"`
}

func parseUserArtifact(raw json.RawMessage) (UserArtifact, error) {
	var a UserArtifact
	err := json.Unmarshal(raw, &a)
	return a, err
}

func parseWgPeerArtifact(raw json.RawMessage) (WgPeerArtifact, error) {
	var a WgPeerArtifact
	err := json.Unmarshal(raw, &a)
	return a, err
}

func (a UserArtifact) configString(key string) string {
	if v, ok := a.Config[key].(string); ok {
		return v
	}
	return ""
}
