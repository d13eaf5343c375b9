//go:build !linux

package vpn

import (
	"errors"

	"github.com/yllada/vpnd/tunnel"
)

func discoverTunnel(iface string) (tunnel.Metadata, error) {
	return tunnel.Metadata{Interface: iface}, errors.New("tunnel discovery is only supported on linux")
}
