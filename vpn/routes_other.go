//go:build !linux

package vpn

import (
	"errors"
	"strings"
)

type staticRoutes struct{}

func newRouteWatcher() routeWatcher { return staticRoutes{} }

// HasDefaultRoute assumes the host is online.
func (staticRoutes) HasDefaultRoute(func(string) bool) (bool, error) { return true, nil }

func (staticRoutes) Watch(<-chan struct{}) (<-chan struct{}, error) {
	return nil, errors.New("route notifications are only supported on linux")
}

func isTunnelLink(name string) bool {
	return strings.HasPrefix(name, "tun")
}
