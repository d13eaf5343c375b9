package firewall

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	peer := netip.MustParseAddrPort("198.51.100.7:1194")

	tests := []struct {
		name    string
		policy  Policy
		want    []string
		notWant []string
	}{
		{
			name:    "connecting",
			policy:  Policy{Kind: Connecting, Peer: peer, Protocol: "udp"},
			want:    []string{"ip daddr 198.51.100.7 udp dport 1194 accept", "ip saddr 198.51.100.7 udp sport 1194 accept", "policy drop;"},
			notWant: []string{"oifname", "10.0.0.0/8"},
		},
		{
			name:   "connected tcp",
			policy: Policy{Kind: Connected, Peer: peer, Protocol: "tcp", Tunnel: "tun0"},
			want:   []string{"tcp dport 1194 accept", `oifname "tun0" accept`, `iifname "tun0" accept`},
		},
		{
			name:    "blocked ignores the peer",
			policy:  Policy{Kind: Blocked, Peer: peer},
			want:    []string{"oif lo accept"},
			notWant: []string{"198.51.100.7"},
		},
		{
			name:   "allow lan",
			policy: Policy{Kind: Blocked, AllowLAN: true},
			want:   []string{"ip daddr 192.168.0.0/16 accept", "ip6 saddr fe80::/10 accept", "ip daddr 224.0.0.0/24 accept"},
		},
		{
			name:   "ipv6 peer",
			policy: Policy{Kind: Connecting, Peer: netip.MustParseAddrPort("[2001:db8::1]:443"), Protocol: "tcp"},
			want:   []string{"ip6 daddr 2001:db8::1 tcp dport 443 accept"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := Render(tt.policy)
			if !strings.HasPrefix(script, "add table inet vpnd\ndelete table inet vpnd\n") {
				t.Errorf("script does not replace the table:\n%s", script)
			}
			for _, w := range tt.want {
				if !strings.Contains(script, w) {
					t.Errorf("missing %q in:\n%s", w, script)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(script, w) {
					t.Errorf("unexpected %q in:\n%s", w, script)
				}
			}
		})
	}
}

func TestNftables(t *testing.T) {
	var scripts []string
	fail := false
	n := New("", nil)
	n.run = func(binary, script string) error {
		if binary != "nft" {
			t.Errorf("binary = %q, want nft", binary)
		}
		if fail {
			return errors.New("Operation not permitted")
		}
		scripts = append(scripts, script)
		return nil
	}

	if err := n.Apply(Policy{Kind: Blocked}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := n.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(scripts) != 2 || scripts[1] != ResetScript() {
		t.Errorf("scripts = %q", scripts)
	}

	fail = true
	if err := n.Apply(Policy{Kind: Connecting}); err == nil || !strings.Contains(err.Error(), "connecting") {
		t.Errorf("Apply error = %v", err)
	}
}
