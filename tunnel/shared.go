package tunnel

import (
	"math"
	"net/netip"
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/firewall"
)

// DNSSetter points the system resolver at the tunnel. dns.Manager
// implements it.
type DNSSetter interface {
	Set(iface string, servers []netip.Addr) error
	Reset() error
}

// Firewall applies traffic policies.
type Firewall interface {
	Apply(p firewall.Policy) error
	Reset() error
}

// Backoff is the delay between launch attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay is zero for the first attempt and Base·2^(attempt-1) after that,
// capped at Max.
func (b Backoff) Delay(attempt uint32) time.Duration {
	if attempt == 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := uint32(1); i < attempt; i++ {
		if (b.Max > 0 && d >= b.Max) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// SharedValues is the context every state reads. Only the driver goroutine
// touches it.
type SharedValues struct {
	AllowLAN              bool
	BlockWhenDisconnected bool
	IsOffline             bool
	// DNSServers replaces the tunnel gateway as resolver when non-empty.
	DNSServers []netip.Addr

	DNS          DNSSetter
	Firewall     Firewall
	Launcher     Launcher
	Backoff      Backoff
	CloseTimeout time.Duration

	log common.Logger
}

// update applies a setting command. Every state calls it for every command.
func (s *SharedValues) update(cmd Command) {
	switch c := cmd.(type) {
	case AllowLAN:
		s.AllowLAN = bool(c)
	case BlockWhenDisconnected:
		s.BlockWhenDisconnected = bool(c)
	case IsOffline:
		s.IsOffline = bool(c)
	}
}

func (s *SharedValues) resetDNS() {
	if err := s.DNS.Reset(); err != nil {
		s.log.Warn("failed to reset DNS: %v", err)
	}
}

func (s *SharedValues) dnsServers(md Metadata) []netip.Addr {
	if len(s.DNSServers) > 0 {
		return s.DNSServers
	}
	if md.Gateway.IsValid() {
		return []netip.Addr{md.Gateway}
	}
	return nil
}
