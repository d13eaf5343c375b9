//go:build linux

package dns

import "github.com/yllada/vpnd/common"

// PlatformCandidates returns the Linux backends in priority order.
func PlatformCandidates(log common.Logger) []Candidate {
	return []Candidate{
		{Kind: SystemdResolved, Probe: probe(func() (*systemdResolved, error) { return newSystemdResolved(log) })},
		{Kind: NetworkManager, Probe: probe(newNetworkManager)},
		{Kind: Resolvconf, Probe: probe(newResolvconf)},
		{Kind: StaticFile, Probe: probe(func() (*staticFile, error) { return newStaticFile(resolvConfPath) })},
	}
}
