package dns

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"sync"

	mdns "github.com/miekg/dns"
)

const (
	resolvConfPath   = "/etc/resolv.conf"
	backupSuffix     = ".vpnd-backup"
	resolvConfHeader = "# Generated by vpnd. The original is saved as %s\n"
)

// staticFile rewrites a resolv.conf file in place. The original content is
// moved aside on the first Apply and put back by Revert.
type staticFile struct {
	mu     sync.Mutex
	path   string
	backup string
}

// newStaticFile binds path if it exists and is writable.
func newStaticFile(path string) (*staticFile, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// A symlinked resolv.conf belongs to some resolver service.
		return nil, fmt.Errorf("%s is a symlink", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("%s not writable: %w", path, err)
	}
	f.Close()

	return &staticFile{path: path, backup: path + backupSuffix}, nil
}

func (s *staticFile) Kind() BackendKind { return StaticFile }
func (s *staticFile) Name() string      { return s.path }

func (s *staticFile) Apply(_ string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return ErrNoServers
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.backup); os.IsNotExist(err) {
		original, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("read %s: %w", s.path, err)
		}
		if err := os.WriteFile(s.backup, original, 0644); err != nil {
			return fmt.Errorf("backup %s: %w", s.path, err)
		}
	}

	// Search domains and ndots are carried over from the original.
	var search []string
	ndots := 1
	if cfg, err := mdns.ClientConfigFromFile(s.backup); err == nil {
		search, ndots = cfg.Search, cfg.Ndots
	}

	content := renderResolvConf(fmt.Sprintf(resolvConfHeader, s.backup), servers, search, ndots)
	if err := os.WriteFile(s.path, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *staticFile) Revert() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, err := os.ReadFile(s.backup)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := os.WriteFile(s.path, original, 0644); err != nil {
		return fmt.Errorf("restore %s: %w", s.path, err)
	}
	return os.Remove(s.backup)
}

// renderResolvConf produces resolv.conf content for servers.
func renderResolvConf(header string, servers []netip.Addr, search []string, ndots int) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	for _, srv := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", srv.Unmap())
	}
	if len(search) > 0 {
		b.WriteString("search")
		for _, d := range search {
			b.WriteString(" " + d)
		}
		b.WriteString("\n")
	}
	if ndots != 1 {
		fmt.Fprintf(&b, "options ndots:%d\n", ndots)
	}
	return b.Bytes()
}

// resolvConfNameservers returns the nameserver entries of a resolv.conf file.
func resolvConfNameservers(path string) ([]string, error) {
	cfg, err := mdns.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	return cfg.Servers, nil
}
