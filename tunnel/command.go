package tunnel

import (
	"fmt"
	"strings"
)

// Command is an instruction to the state machine. The set is closed:
// Connect, Disconnect, Block, AllowLAN, BlockWhenDisconnected and IsOffline.
type Command interface {
	isCommand()
}

// Connect asks for a tunnel.
type Connect struct{}

// Disconnect tears the tunnel down.
type Disconnect struct{}

// Block tears the tunnel down and blocks all traffic.
type Block struct {
	Reason BlockReason
}

// AllowLAN toggles access to local networks outside the tunnel.
type AllowLAN bool

// BlockWhenDisconnected toggles blocking while no tunnel is up.
type BlockWhenDisconnected bool

// IsOffline reports whether the host lost its default route.
type IsOffline bool

func (Connect) isCommand()               {}
func (Disconnect) isCommand()            {}
func (Block) isCommand()                 {}
func (AllowLAN) isCommand()              {}
func (BlockWhenDisconnected) isCommand() {}
func (IsOffline) isCommand()             {}

func (b Block) String() string { return fmt.Sprintf("Block(%s)", b.Reason) }

// BlockReason is why traffic is being blocked.
type BlockReason int

const (
	// AuthFailed means the server rejected the credentials.
	AuthFailed BlockReason = iota
	// Ipv6Unavailable means IPv6 was requested but is disabled on the host.
	Ipv6Unavailable
	// SetFirewallPolicyError means applying the firewall policy failed.
	SetFirewallPolicyError
	// SetDnsError means pointing the system resolver at the tunnel failed.
	SetDnsError
	// StartTunnelError means the tunnel process could not be started.
	StartTunnelError
	// NoMatchingRelay means no server could be selected for the tunnel.
	NoMatchingRelay
	// IsOfflineReason means the host has no usable network.
	IsOfflineReason
	// BlockedWhenDisconnected means the user asked to block while disconnected.
	BlockedWhenDisconnected
)

var blockReasonNames = map[BlockReason]string{
	AuthFailed:              "auth_failed",
	Ipv6Unavailable:         "ipv6_unavailable",
	SetFirewallPolicyError:  "set_firewall_policy_error",
	SetDnsError:             "set_dns_error",
	StartTunnelError:        "start_tunnel_error",
	NoMatchingRelay:         "no_matching_relay",
	IsOfflineReason:         "is_offline",
	BlockedWhenDisconnected: "blocked_when_disconnected",
}

func (r BlockReason) String() string {
	if name, ok := blockReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Description is the message shown to users.
func (r BlockReason) Description() string {
	switch r {
	case AuthFailed:
		return "Authentication with remote server failed"
	case Ipv6Unavailable:
		return "Failed to configure IPv6 because it's disabled in the platform"
	case SetFirewallPolicyError:
		return "Failed to set firewall policy"
	case SetDnsError:
		return "Failed to set system DNS server"
	case StartTunnelError:
		return "Failed to start connection to remote server"
	case NoMatchingRelay:
		return "No relay server matches the current settings"
	case IsOfflineReason:
		return "This device is offline, no tunnels can be established"
	case BlockedWhenDisconnected:
		return "Blocking all traffic while disconnected"
	default:
		return "Unknown error"
	}
}

// MarshalText encodes the reason by name for JSON.
func (r BlockReason) MarshalText() ([]byte, error) {
	if _, ok := blockReasonNames[r]; !ok {
		return nil, fmt.Errorf("invalid block reason %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *BlockReason) UnmarshalText(text []byte) error {
	want := strings.ToLower(string(text))
	for reason, name := range blockReasonNames {
		if name == want {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown block reason %q", text)
}
