package model

// User roles.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// Entitlement states.
const (
	EntitlementActive  = "ACTIVE"
	EntitlementGrace   = "GRACE"
	EntitlementBlocked = "BLOCKED"
)

// Generic row statuses.
const (
	StatusActive  = "ACTIVE"
	StatusRevoked = "REVOKED"
)

// Protocol is one of the four supported tunnel protocols.
type Protocol string

const (
	ProtocolVlessReality Protocol = "vless_reality"
	ProtocolVlessWsTLS   Protocol = "vless_ws_tls"
	ProtocolHysteria2    Protocol = "hysteria2"
	ProtocolWireguard    Protocol = "wireguard"
)

// Mode says whether a connection terminates directly on VPS-T or is fronted
// by VPS-E.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeChain  Mode = "chain"
)

// Variant is the client-visible connection flavor.
type Variant string

const (
	VariantB1 Variant = "B1"
	VariantB2 Variant = "B2"
	VariantB3 Variant = "B3"
	VariantB4 Variant = "B4"
	VariantB5 Variant = "B5"
)

// allowedTriples is the closed set of (protocol, mode, variant) combinations.
var allowedTriples = map[[3]string]bool{
	{string(ProtocolVlessReality), string(ModeDirect), string(VariantB1)}: true,
	{string(ProtocolVlessReality), string(ModeChain), string(VariantB2)}:  true,
	{string(ProtocolVlessWsTLS), string(ModeDirect), string(VariantB1)}:   true,
	{string(ProtocolHysteria2), string(ModeDirect), string(VariantB3)}:    true,
	{string(ProtocolHysteria2), string(ModeChain), string(VariantB4)}:     true,
	{string(ProtocolWireguard), string(ModeDirect), string(VariantB5)}:    true,
}

// ValidTriple reports whether the (protocol, mode, variant) combination is
// one of the allowed connection shapes.
func ValidTriple(protocol Protocol, mode Mode, variant Variant) bool {
	return allowedTriples[[3]string{string(protocol), string(mode), string(variant)}]
}

// NodeRole is a gateway host role.
type NodeRole string

const (
	// NodeRoleTransit terminates user traffic.
	NodeRoleTransit NodeRole = "VPS_T"
	// NodeRoleEntry fronts chained connections.
	NodeRoleEntry NodeRole = "VPS_E"
)

// IsValid reports whether the role is a known node role.
func (r NodeRole) IsValid() bool {
	return r == NodeRoleTransit || r == NodeRoleEntry
}

// EventType is the closed set of outbox event kinds.
type EventType string

const (
	EventApplyBundle      EventType = "APPLY_BUNDLE"
	EventUpsertUser       EventType = "UPSERT_USER"
	EventRevokeUser       EventType = "REVOKE_USER"
	EventRevokeConnection EventType = "REVOKE_CONNECTION"
	EventWgPeerUpsert     EventType = "WG_PEER_UPSERT"
	EventWgPeerRemove     EventType = "WG_PEER_REMOVE"
)

// IsValid reports whether the event type is a known kind.
func (t EventType) IsValid() bool {
	switch t {
	case EventApplyBundle, EventUpsertUser, EventRevokeUser,
		EventRevokeConnection, EventWgPeerUpsert, EventWgPeerRemove:
		return true
	}
	return false
}

// Outbox event statuses.
const (
	EventPending  = "PENDING"
	EventInflight = "INFLIGHT"
	EventSent     = "SENT"
	EventFailed   = "FAILED"
)

// Outbox delivery statuses. DEAD is terminal; FAILED deliveries retry.
const (
	DeliveryPending = "PENDING"
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
	DeliveryDead    = "DEAD"
)

// IPAM lease statuses.
const (
	LeaseActive      = "ACTIVE"
	LeaseQuarantined = "QUARANTINED"
	LeaseReleased    = "RELEASED"
)

// IPAM lease owner types.
const (
	OwnerUser   = "user"
	OwnerDevice = "device"
	OwnerPeer   = "peer"
)
