package tunnel

import (
	"bytes"

	"proxymux/internal/config"
)

// Route names a backend the classifier can choose.
type Route string

// Routes known to the classifier.
const (
	RouteSSH Route = config.RouteSSH
	RouteVPN Route = config.RouteVPN
)

// sshSignature is the prefix of every SSH version exchange line.
var sshSignature = []byte("SSH")

// Classification is the routing decision for one connection.
type Classification struct {
	Route  Route
	Addr   string
	Peeked []byte // bytes inspected, still unread on the socket
}

// Classifier maps the first bytes of a connection to a backend address.
type Classifier struct {
	SSHAddr string
	VPNAddr string
	// Default is used when the bytes carry no SSH signature or could not be
	// peeked at all. The zero value means RouteVPN.
	Default Route
}

// Classify routes peeked bytes containing "SSH" to the SSH backend and
// everything else, including a failed or timed-out peek, to the default route.
func (c Classifier) Classify(peeked []byte, peekErr error) Classification {
	route := c.Default
	if route == "" {
		route = RouteVPN
	}
	if peekErr == nil && bytes.Contains(peeked, sshSignature) {
		route = RouteSSH
	}
	return Classification{
		Route:  route,
		Addr:   c.Addr(route),
		Peeked: append([]byte(nil), peeked...),
	}
}

// Addr returns the backend address for route.
func (c Classifier) Addr(route Route) string {
	if route == RouteSSH {
		return c.SSHAddr
	}
	return c.VPNAddr
}
