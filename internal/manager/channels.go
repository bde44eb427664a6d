package manager

import (
	"fmt"
	"strings"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

// Logical channel prefixes collaborators publish to. The gateway only
// resolves names to rooms, payload semantics stay with the publisher.
const (
	channelTenant = "tenant"
	channelUser   = "user"
	channelAdmin  = "admin"
)

// ResolveChannel maps a logical channel name to its broadcast room:
//
//	tenant/<tenantID>          -> tenant-wide room
//	user/<tenantID>/<userID>   -> per-user room
//	admin/<tenantID>           -> tenant-admin room
func ResolveChannel(channel string) (string, error) {
	parts := strings.Split(channel, "/")

	switch {
	case len(parts) == 2 && parts[0] == channelTenant && parts[1] != "":
		return core.TenantRoom(parts[1]), nil
	case len(parts) == 3 && parts[0] == channelUser && parts[1] != "" && parts[2] != "":
		return core.UserRoom(parts[1], parts[2]), nil
	case len(parts) == 2 && parts[0] == channelAdmin && parts[1] != "":
		return core.AdminRoom(parts[1]), nil
	default:
		return "", fmt.Errorf("unresolvable channel %q", channel)
	}
}
