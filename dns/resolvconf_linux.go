//go:build linux

package dns

import (
	"bytes"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
)

// recordSuffix marks the resolvconf records owned by the daemon.
const recordSuffix = ".vpnd"

type resolvconf struct {
	mu     sync.Mutex
	binary string
	record string
}

// newResolvconf binds the resolvconf(8) tool. When /etc/resolv.conf is owned
// by systemd-resolved, resolvconf is usually its compatibility shim and the
// probe fails so that the shim is not mistaken for the real thing.
func newResolvconf() (*resolvconf, error) {
	binary, err := exec.LookPath("resolvconf")
	if err != nil {
		return nil, err
	}
	if resolvedOwnsResolvConf(resolvConfPath) {
		return nil, fmt.Errorf("resolvconf is managed by systemd-resolved")
	}
	return &resolvconf{binary: binary}, nil
}

func (r *resolvconf) Kind() BackendKind { return Resolvconf }
func (r *resolvconf) Name() string      { return "resolvconf" }

func (r *resolvconf) Apply(iface string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return ErrNoServers
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record := iface + recordSuffix
	input := renderResolvConf("", servers, nil, 1)
	if err := r.run(input, "-a", record); err != nil {
		return err
	}
	r.record = record
	return nil
}

func (r *resolvconf) Revert() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record == "" {
		return nil
	}
	record := r.record
	r.record = ""
	return r.run(nil, "-d", record)
}

func (r *resolvconf) run(stdin []byte, args ...string) error {
	cmd := exec.Command(r.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("resolvconf %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return nil
}
