package common

import (
	"net/netip"
	"os"
	"path/filepath"
)

// StateDir returns the daemon state directory, honoring VPND_STATE_DIR.
func StateDir() string {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir
	}
	return DefaultStateDir
}

// EnsureDir ensures a directory exists, creating it with mode 0700 if necessary.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return WrapError(err, "failed to create "+path)
	}
	return nil
}

// StatePath joins name onto the state directory.
func StatePath(name string) string {
	return filepath.Join(StateDir(), name)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsRoot reports whether the process runs with uid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// ParseAddrs parses a list of IP address strings, skipping invalid entries.
func ParseAddrs(values []string) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(values))
	for _, v := range values {
		if addr, err := netip.ParseAddr(v); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// AddrStrings renders addresses for logs and wire formats.
func AddrStrings(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
