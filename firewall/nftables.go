package firewall

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/yllada/vpnd/common"
)

// Nftables applies policies by piping a script to the nft binary.
type Nftables struct {
	mu     sync.Mutex
	binary string
	log    common.Logger

	// run is replaced in tests.
	run func(binary, script string) error
}

// New returns an Nftables firewall. binary may be empty to use "nft" from PATH.
func New(binary string, log common.Logger) *Nftables {
	if binary == "" {
		binary = "nft"
	}
	return &Nftables{binary: binary, log: common.OrDiscard(log), run: runNft}
}

// Apply replaces the active policy with p.
func (n *Nftables) Apply(p Policy) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log.Debug("applying firewall policy: %s", p)
	if err := n.run(n.binary, Render(p)); err != nil {
		return fmt.Errorf("apply %s policy: %w", p.Kind, err)
	}
	return nil
}

// Reset removes every rule installed by Apply.
func (n *Nftables) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log.Debug("resetting firewall policy")
	if err := n.run(n.binary, ResetScript()); err != nil {
		return fmt.Errorf("reset firewall: %w", err)
	}
	return nil
}

func runNft(binary, script string) error {
	cmd := exec.Command(binary, "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
