// Package dns points the system resolver at the tunnel while it is up.
//
// Several system services may own /etc/resolv.conf on a Linux host. A
// Selector probes them in priority order and binds the first that answers;
// the Manager re-runs that selection on every Set so a service that started
// or stopped mid-session is picked up on the next connect.
//
// Usage:
//
//	sel := dns.NewSelector(override, dns.PlatformCandidates(log), log)
//	mgr := dns.NewManager(sel, log)
//	if err := mgr.Set("tun0", servers); err != nil { ... }
//	defer mgr.Reset()
package dns

import (
	"errors"
	"net/netip"
	"strings"
)

// BackendKind identifies one DNS management facility.
type BackendKind int

const (
	// SystemdResolved configures per-link DNS through org.freedesktop.resolve1.
	SystemdResolved BackendKind = iota
	// NetworkManager writes a global-dns conf.d snippet and reloads NetworkManager.
	NetworkManager
	// Resolvconf registers an interface record with the resolvconf(8) tool.
	Resolvconf
	// StaticFile rewrites /etc/resolv.conf directly, keeping a backup.
	StaticFile
)

// String returns the name used in logs and in the dns_backend setting.
func (k BackendKind) String() string {
	switch k {
	case SystemdResolved:
		return "systemd-resolved"
	case NetworkManager:
		return "network-manager"
	case Resolvconf:
		return "resolvconf"
	case StaticFile:
		return "static-file"
	default:
		return "unknown"
	}
}

// ParseBackendKind maps an override value to a kind. Both the short forms
// ("systemd") and the String() names are accepted. ok is false for anything
// else, including the empty string.
func ParseBackendKind(s string) (BackendKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "systemd", "systemd-resolved":
		return SystemdResolved, true
	case "network-manager", "networkmanager":
		return NetworkManager, true
	case "resolvconf":
		return Resolvconf, true
	case "static-file", "static", "file":
		return StaticFile, true
	default:
		return 0, false
	}
}

// Backend is a bound DNS management facility.
//
// Apply and Revert must be idempotent, and Revert must succeed as a no-op
// when Apply was never called or has already been reverted.
type Backend interface {
	Kind() BackendKind
	// Name is a human-readable label for logs.
	Name() string
	Apply(iface string, servers []netip.Addr) error
	Revert() error
}

// Candidate is one entry of the probe list. Probe tries to bind the
// facility and fails if it is not in control of the host.
type Candidate struct {
	Kind  BackendKind
	Probe func() (Backend, error)
}

var (
	// ErrNoBackendFound is returned when no candidate could be bound.
	ErrNoBackendFound = errors.New("no suitable DNS backend detected")
	// ErrNoServers is returned by backends asked to apply an empty list.
	ErrNoServers = errors.New("no DNS servers provided")
)

// probe adapts a concrete constructor to Candidate.Probe without leaking a
// typed nil into the interface on failure.
func probe[T Backend](newFn func() (T, error)) func() (Backend, error) {
	return func() (Backend, error) {
		b, err := newFn()
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
