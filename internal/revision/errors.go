package revision

import (
	"errors"
	"fmt"
	"time"
)

// ErrUserBlocked rejects revision creation for blocked users outright.
var ErrUserBlocked = errors.New("user entitlement is BLOCKED")

// ErrNoEnabledSNI means REALITY revision creation found no camouflage SNI to
// fall back to.
var ErrNoEnabledSNI = errors.New("no enabled camouflage sni")

// ErrPoolRequired means WireGuard provisioning was attempted without a
// configured address pool.
var ErrPoolRequired = errors.New("wireguard pool not configured")

// GraceError is returned when the user is in the grace period and the caller
// did not pass force. Authorized callers retry with force=true.
type GraceError struct {
	UntilNs int64
}

func (e *GraceError) Error() string {
	return fmt.Sprintf("user is in grace period until %s; retry with force to override",
		time.Unix(0, e.UntilNs).UTC().Format(time.RFC3339))
}

// OverrideError reports a rejected key in a connection's override map.
type OverrideError struct {
	Key    string
	Reason string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("override %q: %s", e.Key, e.Reason)
}
