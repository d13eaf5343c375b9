// Package config provides configuration management for the vpnd daemon.
// It handles loading, saving, and validating daemon settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yllada/vpnd/common"
	"gopkg.in/yaml.v3"
)

// ReconnectConfig controls the backoff between tunnel launch attempts.
type ReconnectConfig struct {
	// BaseDelay is the delay before the first retry. Doubles per attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Config represents the daemon configuration.
// All settings are persisted to a YAML file, /etc/vpnd/config.yaml by default.
type Config struct {
	// AllowLAN lets traffic to private networks bypass the tunnel and the block policy.
	AllowLAN bool `yaml:"allow_lan"`
	// BlockWhenDisconnected keeps traffic blocked while no tunnel is up.
	BlockWhenDisconnected bool `yaml:"block_when_disconnected"`
	// AutoConnect issues a connect command at daemon startup.
	AutoConnect bool `yaml:"auto_connect"`
	// DNSBackend forces one DNS backend: "systemd", "network-manager",
	// "resolvconf" or "static-file". Empty means auto-detect.
	DNSBackend string `yaml:"dns_backend"`
	// DNSServers overrides the resolvers pushed while connected.
	// Empty means use the tunnel gateway.
	DNSServers []string `yaml:"dns_servers"`
	// Profile is the name of the OpenVPN profile to connect with.
	Profile string `yaml:"profile"`
	// OpenVPNBinary is the path of the openvpn executable.
	OpenVPNBinary string `yaml:"openvpn_binary"`
	// SocketPath is the unix socket of the management API.
	SocketPath string `yaml:"socket_path"`
	// HistoryPath is the SQLite database for transition history.
	HistoryPath string `yaml:"history_path"`
	// LogLevel is one of "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level"`
	// Reconnect sets the retry backoff.
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// OfflineMonitor enables the default-route watcher.
	OfflineMonitor bool `yaml:"offline_monitor"`
}

// Recognized dns_backend values.
var validDNSBackends = []string{"", "systemd", "network-manager", "resolvconf", "static-file"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AllowLAN:              false,
		BlockWhenDisconnected: false,
		AutoConnect:           false,
		OpenVPNBinary:         "openvpn",
		SocketPath:            common.DefaultSocketPath,
		HistoryPath:           common.StatePath(common.HistoryFileName),
		LogLevel:              "info",
		Reconnect: ReconnectConfig{
			BaseDelay: common.ReconnectBaseDelay,
			MaxDelay:  common.ReconnectMaxDelay,
		},
		OfflineMonitor: true,
	}
}

// Load loads the configuration from path.
// If the file doesn't exist, it returns the defaults without writing them.
func Load(path string) (*Config, error) {
	if path == "" {
		path = common.DefaultConfigPath
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %w", common.ErrInvalidConfig, path, err)
	}

	config.validate()
	return config, nil
}

// validate normalizes out-of-range values instead of failing; a daemon
// with a slightly wrong config should still start.
func (c *Config) validate() {
	if _, ok := common.ParseLogLevel(c.LogLevel); !ok {
		common.LogWarn("config: unknown log_level %q, using info", c.LogLevel)
		c.LogLevel = "info"
	}

	isValidBackend := false
	for _, b := range validDNSBackends {
		if c.DNSBackend == b {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		common.LogWarn("config: unknown dns_backend %q, auto-detecting", c.DNSBackend)
		c.DNSBackend = ""
	}

	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = common.ReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = common.ReconnectMaxDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}

	if c.OpenVPNBinary == "" {
		c.OpenVPNBinary = "openvpn"
	}
	if c.SocketPath == "" {
		c.SocketPath = common.DefaultSocketPath
	}
	if c.HistoryPath == "" {
		c.HistoryPath = common.StatePath(common.HistoryFileName)
	}
}

// Save saves the configuration to path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = common.DefaultConfigPath
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}

	return nil
}

// DNSOverride returns the effective DNS backend override. A non-empty env
// value wins over the file setting.
func (c *Config) DNSOverride(env string) string {
	if env != "" {
		return env
	}
	return c.DNSBackend
}
