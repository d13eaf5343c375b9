//go:build !linux

package dns

import "github.com/yllada/vpnd/common"

// PlatformCandidates returns no backends; DNS management is Linux only.
func PlatformCandidates(log common.Logger) []Candidate {
	return nil
}
