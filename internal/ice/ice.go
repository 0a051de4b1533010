// Package ice implements the Interactive Connectivity Establishment agent
// (RFC 8445): candidate gathering, connectivity checking, and nomination for
// a single data stream.
package ice

import (
	"github.com/lanikai/alohartc/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

// flagEnableIPv6 controls whether IPv6 host candidates are gathered. Off by
// default since many constrained deployments run IPv4-only networks.
var flagEnableIPv6 = false

// SetIPv6Enabled toggles whether IPv6 candidates are gathered for
// subsequently created Agents.
func SetIPv6Enabled(enabled bool) {
	flagEnableIPv6 = enabled
}
