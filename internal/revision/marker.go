package revision

import (
	"fmt"
	"strings"
)

// HysteriaMarker is the canonical Hysteria2 username for a connection:
// "<variant> - <user_id> - <connection_id>". The node accepts it verbatim.
func HysteriaMarker(variant string, userID int64, connectionID string) string {
	return fmt.Sprintf("%s - %d - %s", variant, userID, connectionID)
}

// HysteriaAlias is the iOS-safe form of the marker: lowercase variant,
// underscores, connection id with dashes stripped. Some clients sanitize
// spaces and dashes out of user-visible fields, so the node must accept this
// alias alongside the canonical marker.
func HysteriaAlias(variant string, userID int64, connectionID string) string {
	return fmt.Sprintf("%s_%d_%s",
		strings.ToLower(variant), userID, strings.ReplaceAll(connectionID, "-", ""))
}
