package ice

import (
	"fmt"
	"net"
	"strings"
)

// Transport protocols used in candidate addresses.
const (
	UDP = "udp"
	TCP = "tcp"
)

type TransportAddress struct {
	protocol string // Either "tcp" or "udp"
	ip       string
	port     int

	// family is 4 or 6, used to pick the right net.ResolveUDPAddr network
	// string ("udp4"/"udp6") when querying a STUN/TURN server.
	family int

	// linkLocal is true for IPv6 link-local addresses (fe80::/10), which are
	// only usable between bases on the same link and should never be paired
	// with a remote candidate from a different base's link.
	linkLocal bool
}

// NewTransportAddress builds a TransportAddress from a net.Addr. Exported for
// use by internal/turn, which needs to turn a relayed address learned from a
// TURN server into the TransportAddress of a relay candidate.
func NewTransportAddress(addr net.Addr) TransportAddress {
	return makeTransportAddress(addr)
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return newTransportAddress(TCP, a.IP, a.Port)
	case *net.UDPAddr:
		return newTransportAddress(UDP, a.IP, a.Port)
	default:
		panic("Unsupported net.Addr type: " + a.String())
	}
}

func newTransportAddress(protocol string, ip net.IP, port int) TransportAddress {
	family := 6
	if ip.To4() != nil {
		family = 4
	}
	return TransportAddress{
		protocol:  protocol,
		ip:        ip.String(),
		port:      port,
		family:    family,
		linkLocal: ip.IsLinkLocalUnicast(),
	}
}

func (ta *TransportAddress) netAddr() (addr net.Addr) {
	hostport := fmt.Sprintf("%s:%d", ta.ip, ta.port)
	switch ta.protocol {
	case TCP:
		addr, _ = net.ResolveTCPAddr("tcp", hostport)
	case UDP:
		addr, _ = net.ResolveUDPAddr("udp", hostport)
	}
	return
}

func (ta *TransportAddress) normalize() {
	ta.protocol = strings.ToLower(ta.protocol)
}

func (ta TransportAddress) String() string {
	return fmt.Sprintf("%s/%s:%d", ta.protocol, ta.ip, ta.port)
}
