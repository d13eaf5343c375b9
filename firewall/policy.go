// Package firewall enforces the daemon's traffic policy with nftables.
//
// A Policy describes what may leave the host in one phase of the tunnel
// lifecycle. Everything else is dropped, so a crashed or stuck tunnel never
// lets traffic leak onto the physical link.
package firewall

import (
	"fmt"
	"net/netip"
)

// PolicyKind selects the rule set.
type PolicyKind int

const (
	// Connecting allows only traffic to the VPN server.
	Connecting PolicyKind = iota
	// Connected allows the VPN server and the tunnel interface.
	Connected
	// Blocked drops everything except loopback and, optionally, the LAN.
	Blocked
)

func (k PolicyKind) String() string {
	switch k {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Policy is the input to Firewall.Apply.
type Policy struct {
	Kind PolicyKind
	// Peer is the VPN server endpoint. Unused for Blocked.
	Peer netip.AddrPort
	// Protocol is "udp" or "tcp".
	Protocol string
	// Tunnel is the tunnel interface name. Only used for Connected.
	Tunnel string
	// AllowLAN lets private and link-local networks through.
	AllowLAN bool
}

func (p Policy) String() string {
	switch p.Kind {
	case Blocked:
		return fmt.Sprintf("%s (allow_lan=%t)", p.Kind, p.AllowLAN)
	case Connected:
		return fmt.Sprintf("%s to %s/%s via %s (allow_lan=%t)", p.Kind, p.Peer, p.Protocol, p.Tunnel, p.AllowLAN)
	default:
		return fmt.Sprintf("%s to %s/%s (allow_lan=%t)", p.Kind, p.Peer, p.Protocol, p.AllowLAN)
	}
}

// LANNetworks are the ranges opened by AllowLAN.
var LANNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// LANMulticast are the multicast ranges opened by AllowLAN.
var LANMulticast = []netip.Prefix{
	netip.MustParsePrefix("224.0.0.0/24"),
	netip.MustParsePrefix("ff02::/16"),
}
