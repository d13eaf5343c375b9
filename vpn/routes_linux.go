package vpn

import (
	"strings"

	"github.com/vishvananda/netlink"
)

type netlinkRoutes struct{}

func newRouteWatcher() routeWatcher { return netlinkRoutes{} }

func (netlinkRoutes) HasDefaultRoute(skip func(link string) bool) (bool, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return false, err
	}
	names := map[int]string{}
	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		name, ok := names[r.LinkIndex]
		if !ok {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			name = link.Attrs().Name
			names[r.LinkIndex] = name
		}
		if !skip(name) {
			return true, nil
		}
	}
	return false, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func (netlinkRoutes) Watch(done <-chan struct{}) (<-chan struct{}, error) {
	updates := make(chan netlink.RouteUpdate)
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range updates {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func isTunnelLink(name string) bool {
	return strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "wg")
}
