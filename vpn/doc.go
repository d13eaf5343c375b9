// Package vpn runs OpenVPN tunnels for the daemon.
//
// It supplies the pieces the tunnel state machine drives but does not own:
//
//   - ProfileStore: imported .ovpn files with their server resolved at import
//   - OpenVPN: a tunnel.Launcher that runs the openvpn binary and turns its
//     log into Up, Down and Exited reports
//   - OfflineMonitor: watches the routing table and reports when the host
//     has no default route outside a tunnel
//
// All types in this package are safe for concurrent use.
package vpn
