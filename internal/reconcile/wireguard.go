package reconcile

import (
	"fmt"
	"sort"
	"strings"
)

// RenderWireguard appends one [Peer] block per artifact to the base
// interface config. The base file supplies the [Interface] section verbatim;
// any [Peer] blocks already in it are dropped, the artifact set is the only
// source of peers. Peers are ordered by (allowed ip, public key) so the
// output is stable.
func RenderWireguard(base []byte, peers []WgPeerArtifact) ([]byte, error) {
	iface := interfaceSection(string(base))
	if strings.TrimSpace(iface) == "" {
		return nil, fmt.Errorf("base wireguard config has no [Interface] section")
	}

	sorted := make([]WgPeerArtifact, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PeerIP != sorted[j].PeerIP {
			return sorted[i].PeerIP < sorted[j].PeerIP
		}
		return sorted[i].PeerPublicKey < sorted[j].PeerPublicKey
	})

	var b strings.Builder
	b.WriteString(strings.TrimRight(iface, "\n"))
	b.WriteString("\n")
	for _, p := range sorted {
		if p.PeerPublicKey == "" || p.PeerIP == "" {
			continue
		}
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PeerPublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.PeerIP)
	}
	return []byte(b.String()), nil
}

// interfaceSection returns everything before the first [Peer] header.
func interfaceSection(conf string) string {
	lines := strings.Split(conf, "\n")
	var out []string
	for _, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), "[Peer]") {
			break
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
