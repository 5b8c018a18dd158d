// Package model defines domain structs shared across the persistence layer.
package model

// User is an external identity known to the control plane. Users are never
// hard-deleted; blocking is a status change so the audit trail survives.
type User struct {
	ID           int64  `json:"id"`
	Role         string `json:"role"`
	Entitlement  string `json:"entitlement"`
	GraceUntilNs int64  `json:"grace_until_ns"`
	DeviceQuota  int    `json:"device_quota"`
	CreatedAtNs  int64  `json:"created_at_ns"`
	UpdatedAtNs  int64  `json:"updated_at_ns"`
}

// Device belongs to a user.
type Device struct {
	ID          string `json:"id"`
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Connection is an immutable (protocol, mode, variant) tuple owned by a
// device. Overrides are a validated per-protocol option map.
type Connection struct {
	ID            string `json:"id"`
	DeviceID      string `json:"device_id"`
	Protocol      string `json:"protocol"`
	Mode          string `json:"mode"`
	Variant       string `json:"variant"`
	OverridesJSON string `json:"overrides_json"`
	Status        string `json:"status"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	UpdatedAtNs   int64  `json:"updated_at_ns"`
}

// ConnectionRevision is a versioned desired-state snapshot of a connection.
// Slot 0 is current; slots 1 and 2 are history.
type ConnectionRevision struct {
	ID              string `json:"id"`
	ConnectionID    string `json:"connection_id"`
	Slot            int    `json:"slot"`
	Status          string `json:"status"`
	CamouflageSNIID int64  `json:"camouflage_sni_id"`
	EffectiveJSON   string `json:"effective_json"`
	CreatedAtNs     int64  `json:"created_at_ns"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// WireguardPeer holds server-side peer material for a WireGuard connection.
// Exactly one ACTIVE peer exists per device; the peer references its IPAM
// lease by id (never the reverse).
type WireguardPeer struct {
	ID        string `json:"id"`
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
	// PrivateKey is the client interface key, kept only for client-config
	// export. It never leaves the control plane in outbox events.
	PrivateKey   string `json:"-"`
	PresharedKey string `json:"preshared_key"`
	LeaseID      int64  `json:"lease_id"`
	Status       string `json:"status"`
	CreatedAtNs  int64  `json:"created_at_ns"`
	UpdatedAtNs  int64  `json:"updated_at_ns"`
}

// IpamPool is an address pool with a quarantine window for released IPs.
type IpamPool struct {
	ID           int64  `json:"id"`
	CIDR         string `json:"cidr"`
	Gateway      string `json:"gateway"`
	QuarantineNs int64  `json:"quarantine_ns"`
	CreatedAtNs  int64  `json:"created_at_ns"`
}

// IpamLease is a single IP lease within a pool.
type IpamLease struct {
	ID                 int64  `json:"id"`
	PoolID             int64  `json:"pool_id"`
	OwnerType          string `json:"owner_type"`
	OwnerID            string `json:"owner_id"`
	IP                 string `json:"ip"`
	Status             string `json:"status"`
	QuarantinedUntilNs int64  `json:"quarantined_until_ns"`
	CreatedAtNs        int64  `json:"created_at_ns"`
	UpdatedAtNs        int64  `json:"updated_at_ns"`
}

// NodeEndpoint is a target agent on a gateway host. Protocol key material
// (REALITY public key and short id, WireGuard server public key) lives here
// because it is per-host, provisioned at node bootstrap.
type NodeEndpoint struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	BaseURL          string `json:"base_url"`
	PublicIP         string `json:"public_ip"`
	FQDN             string `json:"fqdn"`
	ProxyFQDN        string `json:"proxy_fqdn"`
	RealityPublicKey string `json:"reality_public_key"`
	RealityShortID   string `json:"reality_short_id"`
	WgPublicKey      string `json:"wg_public_key"`
	Active           bool   `json:"active"`
	CreatedAtNs      int64  `json:"created_at_ns"`
	UpdatedAtNs      int64  `json:"updated_at_ns"`
}

// CamouflageSNI is a public hostname REALITY mimics.
type CamouflageSNI struct {
	ID        int64  `json:"id"`
	FQDN      string `json:"fqdn"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sort_order"`
}

// OutboxEvent is an intent to apply a change to one or more nodes.
// RoleTarget and NodeID are mutually exclusive targeting modes.
type OutboxEvent struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	AggregateID    string `json:"aggregate_id"`
	PayloadJSON    string `json:"payload_json"`
	RoleTarget     string `json:"role_target"`
	NodeID         string `json:"node_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error"`
	CreatedAtNs    int64  `json:"created_at_ns"`
	UpdatedAtNs    int64  `json:"updated_at_ns"`
}

// OutboxDelivery is the per-(event, node) fan-out row the dispatcher leases.
// The locked_* columns are a crash-safe overlay over status; a lease never
// changes the delivery status by itself.
type OutboxDelivery struct {
	ID            int64  `json:"id"`
	EventID       string `json:"event_id"`
	NodeID        string `json:"node_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	NextAttemptNs int64  `json:"next_attempt_ns"`
	LockedUntilNs int64  `json:"locked_until_ns"`
	LockedBy      string `json:"locked_by"`
	LastError     string `json:"last_error"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	UpdatedAtNs   int64  `json:"updated_at_ns"`
}
