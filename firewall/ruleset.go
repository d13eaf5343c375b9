package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

// TableName is the nftables table owned by the daemon. Resetting the policy
// deletes it and nothing else.
const TableName = "vpnd"

// Render returns the nft script that replaces the daemon's table with p.
func Render(p Policy) string {
	var b strings.Builder

	// "add" then "delete" makes the delete succeed whether or not the table
	// exists, and the whole script is applied atomically.
	fmt.Fprintf(&b, "add table inet %s\n", TableName)
	fmt.Fprintf(&b, "delete table inet %s\n", TableName)
	fmt.Fprintf(&b, "table inet %s {\n", TableName)

	for _, hook := range []string{"output", "input"} {
		fmt.Fprintf(&b, "\tchain %s {\n", hook)
		fmt.Fprintf(&b, "\t\ttype filter hook %s priority 0; policy drop;\n", hook)
		dir := "o"
		if hook == "input" {
			dir = "i"
		}
		fmt.Fprintf(&b, "\t\t%sif lo accept\n", dir)
		if hook == "input" {
			b.WriteString("\t\tct state established,related accept\n")
		}
		if p.Kind != Blocked && p.Peer.IsValid() {
			b.WriteString("\t\t" + peerRule(p, hook) + "\n")
		}
		if p.Kind == Connected && p.Tunnel != "" {
			fmt.Fprintf(&b, "\t\t%sifname %q accept\n", dir, p.Tunnel)
		}
		if p.AllowLAN {
			for _, r := range lanRules(hook) {
				b.WriteString("\t\t" + r + "\n")
			}
		}
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// ResetScript removes the daemon's table.
func ResetScript() string {
	return fmt.Sprintf("add table inet %[1]s\ndelete table inet %[1]s\n", TableName)
}

func peerRule(p Policy, hook string) string {
	proto := p.Protocol
	if proto != "tcp" {
		proto = "udp"
	}
	addr, port := "daddr", "dport"
	if hook == "input" {
		addr, port = "saddr", "sport"
	}
	return fmt.Sprintf("%s %s %s %s %s %d accept",
		family(p.Peer.Addr()), addr, p.Peer.Addr(), proto, port, p.Peer.Port())
}

func lanRules(hook string) []string {
	addr := "daddr"
	if hook == "input" {
		addr = "saddr"
	}
	var rules []string
	for _, set := range [][]netip.Prefix{LANNetworks, LANMulticast} {
		for _, n := range set {
			rules = append(rules, fmt.Sprintf("%s %s %s accept", family(n.Addr()), addr, n))
		}
	}
	return rules
}

func family(a netip.Addr) string {
	if a.Unmap().Is4() {
		return "ip"
	}
	return "ip6"
}
