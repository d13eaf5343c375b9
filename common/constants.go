// Package common provides shared constants, types, and utilities
// used across the vpnd daemon and its CLI.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the daemon.
	AppName = "vpnd"
	// ProductName is used for directories and keyring service names.
	ProductName = "vpnd"
)

// Default locations. Each can be overridden through the environment.
const (
	DefaultConfigPath  = "/etc/vpnd/config.yaml"
	DefaultProfilesDir = "/etc/vpnd/profiles"
	DefaultSocketPath  = "/run/vpnd/vpnd.sock"
	DefaultLogDir      = "/var/log/vpnd"
	DefaultStateDir    = "/var/lib/vpnd"

	LogDirEnv    = "VPND_LOG_DIR"
	StateDirEnv  = "VPND_STATE_DIR"
	DNSModuleEnv = "VPND_DNS_MODULE"
)

// File names used by the daemon.
const (
	LogFileName      = "daemon.log"
	HistoryFileName  = "history.db"
	ProfilesFileName = "profiles.yaml"
)

// Default timeouts and intervals.
const (
	// ReconnectBaseDelay is the delay before the first retry of a failed tunnel.
	ReconnectBaseDelay = 2 * time.Second
	// ReconnectMaxDelay caps the exponential reconnect backoff.
	ReconnectMaxDelay = 60 * time.Second
	// TunnelCloseTimeout is how long a tunnel gets to exit after SIGTERM.
	TunnelCloseTimeout = 5 * time.Second
	// DBusCallTimeout bounds every D-Bus method call.
	DBusCallTimeout = 5 * time.Second
	// DBusPingTimeout bounds service availability probes.
	DBusPingTimeout = 2 * time.Second
	// APIRequestTimeout bounds CLI requests to the daemon.
	APIRequestTimeout = 10 * time.Second
)
