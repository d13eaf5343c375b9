//go:build linux

package dns

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/yllada/vpnd/common"
)

const (
	nmDest           = "org.freedesktop.NetworkManager"
	nmObjectNode     = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmReload         = nmDest + ".Reload"
	nmDNSManagerNode = nmObjectNode + "/DnsManager"
	nmDNSModeProp    = nmDest + ".DnsManager.Mode"
	nmConfDir        = "/etc/NetworkManager/conf.d"
	nmConfFile       = "90-vpnd-dns.conf"
)

type networkManager struct {
	mu       sync.Mutex
	confPath string
}

// newNetworkManager binds NetworkManager when it runs and handles DNS
// itself. If it hands DNS to systemd-resolved the probe fails so the
// resolved backend, probed earlier, is the one that should have won.
func newNetworkManager() (*networkManager, error) {
	if !exists(nmConfDir) {
		return nil, fmt.Errorf("%s not found", nmConfDir)
	}

	var mode string
	err := withSystemBus(func(conn *dbus.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), common.DBusPingTimeout)
		defer cancel()
		if err := conn.Object(nmDest, nmObjectNode).CallWithContext(ctx, dbusPeerPing, 0).Store(); err != nil {
			return err
		}
		v, err := conn.Object(nmDest, nmDNSManagerNode).GetProperty(nmDNSModeProp)
		if err != nil {
			return fmt.Errorf("get DNS mode: %w", err)
		}
		mode, _ = v.Value().(string)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("NetworkManager: %w", err)
	}
	if mode == "systemd-resolved" {
		return nil, fmt.Errorf("NetworkManager delegates DNS to systemd-resolved")
	}

	n := &networkManager{confPath: filepath.Join(nmConfDir, nmConfFile)}
	// A snippet left by a crashed daemon would override the user's DNS.
	if err := n.Revert(); err != nil {
		return nil, fmt.Errorf("cleanup stale config: %w", err)
	}
	return n, nil
}

func (n *networkManager) Kind() BackendKind { return NetworkManager }
func (n *networkManager) Name() string      { return "network manager" }

func (n *networkManager) Apply(_ string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return ErrNoServers
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	content := fmt.Sprintf("# Generated by vpnd. Removed on disconnect.\n\n[global-dns-domain-*]\nservers=%s\n",
		strings.Join(common.AddrStrings(servers), ","))
	if err := os.WriteFile(n.confPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", n.confPath, err)
	}
	if err := nmReloadConfig(); err != nil {
		os.Remove(n.confPath)
		return err
	}
	return nil
}

func (n *networkManager) Revert() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := os.Remove(n.confPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", n.confPath, err)
	}
	return nmReloadConfig()
}

// nmReloadConfig asks NetworkManager to re-read its configuration.
func nmReloadConfig() error {
	return withSystemBus(func(conn *dbus.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), common.DBusCallTimeout)
		defer cancel()
		if err := conn.Object(nmDest, nmObjectNode).CallWithContext(ctx, nmReload, 0, uint32(0)).Store(); err != nil {
			return fmt.Errorf("reload NetworkManager: %w", err)
		}
		return nil
	})
}
