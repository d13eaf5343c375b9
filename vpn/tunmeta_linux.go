package vpn

import (
	"errors"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/yllada/vpnd/tunnel"
)

// discoverTunnel reads the addresses and gateway of iface.
func discoverTunnel(iface string) (tunnel.Metadata, error) {
	md := tunnel.Metadata{Interface: iface}
	if iface == "" {
		return md, errors.New("openvpn did not report a device")
	}
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return md, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return md, err
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			md.IPs = append(md.IPs, ip.Unmap())
		}
		if !md.Gateway.IsValid() && a.Peer != nil {
			if peer, ok := netip.AddrFromSlice(a.Peer.IP); ok {
				md.Gateway = peer.Unmap()
			}
		}
	}

	if !md.Gateway.IsValid() {
		routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
		if err != nil {
			return md, err
		}
		for _, r := range routes {
			if gw, ok := netip.AddrFromSlice(r.Gw); ok && gw.IsValid() {
				md.Gateway = gw.Unmap()
				break
			}
		}
	}
	return md, nil
}
