//go:build linux

package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpnd/common"
)

const (
	resolvedDest            = "org.freedesktop.resolve1"
	resolvedObjectNode      = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolvedManagerIface    = "org.freedesktop.resolve1.Manager"
	resolvedGetLink         = resolvedManagerIface + ".GetLink"
	resolvedFlushCaches     = resolvedManagerIface + ".FlushCaches"
	resolvedLinkIface       = "org.freedesktop.resolve1.Link"
	resolvedSetDNS          = resolvedLinkIface + ".SetDNS"
	resolvedSetDomains      = resolvedLinkIface + ".SetDomains"
	resolvedSetDefaultRoute = resolvedLinkIface + ".SetDefaultRoute"
	resolvedRevert          = resolvedLinkIface + ".Revert"
	dbusPeerPing            = "org.freedesktop.DBus.Peer.Ping"

	resolvedStubAddr = "127.0.0.53"
	resolvedRunDir   = "/run/systemd/resolve/"
)

// resolvedDNSInput maps to the (iay) argument of Link.SetDNS.
type resolvedDNSInput struct {
	Family  int32
	Address []byte
}

// resolvedDomainInput maps to the (sb) argument of Link.SetDomains.
type resolvedDomainInput struct {
	Domain    string
	MatchOnly bool
}

type systemdResolved struct {
	mu   sync.Mutex
	link dbus.ObjectPath
	log  common.Logger
}

// newSystemdResolved binds systemd-resolved when it answers on the bus and
// /etc/resolv.conf routes queries to its stub listener.
func newSystemdResolved(log common.Logger) (*systemdResolved, error) {
	err := withSystemBus(func(conn *dbus.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), common.DBusPingTimeout)
		defer cancel()
		return conn.Object(resolvedDest, resolvedObjectNode).CallWithContext(ctx, dbusPeerPing, 0).Store()
	})
	if err != nil {
		return nil, fmt.Errorf("ping systemd-resolved: %w", err)
	}
	if !resolvedOwnsResolvConf(resolvConfPath) {
		return nil, fmt.Errorf("%s does not point at systemd-resolved", resolvConfPath)
	}
	return &systemdResolved{log: common.OrDiscard(log)}, nil
}

// resolvedOwnsResolvConf reports whether path is resolved's symlink or
// lists only its stub listener.
func resolvedOwnsResolvConf(path string) bool {
	if target, err := filepath.EvalSymlinks(path); err == nil && strings.HasPrefix(target, resolvedRunDir) {
		return true
	}
	servers, err := resolvConfNameservers(path)
	if err != nil || len(servers) == 0 {
		return false
	}
	for _, s := range servers {
		if s != resolvedStubAddr {
			return false
		}
	}
	return true
}

func (r *systemdResolved) Kind() BackendKind { return SystemdResolved }
func (r *systemdResolved) Name() string      { return "systemd-resolved" }

func (r *systemdResolved) Apply(iface string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return ErrNoServers
	}
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", iface, err)
	}

	inputs := make([]resolvedDNSInput, 0, len(servers))
	for _, srv := range servers {
		srv = srv.Unmap()
		family := unix.AF_INET
		if srv.Is6() {
			family = unix.AF_INET6
		}
		inputs = append(inputs, resolvedDNSInput{Family: int32(family), Address: srv.AsSlice()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return withSystemBus(func(conn *dbus.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), common.DBusCallTimeout)
		defer cancel()

		var linkPath dbus.ObjectPath
		manager := conn.Object(resolvedDest, resolvedObjectNode)
		if err := manager.CallWithContext(ctx, resolvedGetLink, 0, int32(link.Attrs().Index)).Store(&linkPath); err != nil {
			return fmt.Errorf("get link: %w", err)
		}
		r.link = linkPath

		obj := conn.Object(resolvedDest, linkPath)
		if err := obj.CallWithContext(ctx, resolvedSetDNS, 0, inputs).Store(); err != nil {
			return fmt.Errorf("set DNS servers: %w", err)
		}
		// Route every query through the tunnel link.
		domains := []resolvedDomainInput{{Domain: ".", MatchOnly: true}}
		if err := obj.CallWithContext(ctx, resolvedSetDomains, 0, domains).Store(); err != nil {
			return fmt.Errorf("set domains: %w", err)
		}
		if err := obj.CallWithContext(ctx, resolvedSetDefaultRoute, 0, true).Store(); err != nil {
			// Missing before systemd 240.
			r.log.Debug("SetDefaultRoute: %v", err)
		}
		if err := manager.CallWithContext(ctx, resolvedFlushCaches, 0).Store(); err != nil {
			r.log.Warn("failed to flush DNS cache: %v", err)
		}
		return nil
	})
}

func (r *systemdResolved) Revert() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.link == "" {
		return nil
	}
	link := r.link
	r.link = ""

	return withSystemBus(func(conn *dbus.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), common.DBusCallTimeout)
		defer cancel()
		err := conn.Object(resolvedDest, link).CallWithContext(ctx, resolvedRevert, 0).Store()
		if err != nil && isUnknownObject(err) {
			// The tunnel link is already gone and resolved dropped its settings.
			return nil
		}
		return err
	})
}

// withSystemBus runs fn on a private system bus connection.
func withSystemBus(fn func(conn *dbus.Conn) error) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func isUnknownObject(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	return dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject" ||
		strings.HasSuffix(dbusErr.Name, "NoSuchLink")
}

// exists reports whether path exists.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
