// Package api is the daemon's management interface: JSON over HTTP on a
// unix socket, plus a websocket stream of tunnel transitions.
package api

import (
	"time"

	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

// Status is the response of GET /v1/status.
type Status struct {
	State      *tunnel.TransitionEvent `json:"state,omitempty"`
	Settings   tunnel.Settings         `json:"settings"`
	Profile    string                  `json:"profile,omitempty"`
	DNSBackend string                  `json:"dns_backend,omitempty"`
	// LastBackendChange is the most recent time the DNS manager bound a
	// different backend kind than before.
	LastBackendChange *history.BackendChange `json:"last_backend_change,omitempty"`
	Time              time.Time              `json:"time"`
}

// SettingsUpdate is the body of PUT /v1/settings. Nil fields are unchanged.
type SettingsUpdate struct {
	AllowLAN              *bool   `json:"allow_lan,omitempty"`
	BlockWhenDisconnected *bool   `json:"block_when_disconnected,omitempty"`
	Profile               *string `json:"profile,omitempty"`
}

// ProfileRequest is the body of POST /v1/profiles.
type ProfileRequest struct {
	Name       string `json:"name"`
	ConfigPath string `json:"config_path"`
	Username   string `json:"username,omitempty"`
}

// PasswordRequest is the body of PUT /v1/profiles/{ref}/password.
type PasswordRequest struct {
	Password string `json:"password"`
}

// Profile is a profile as listed by the API.
type Profile struct {
	vpn.Profile
	HasPassword bool `json:"has_password"`
	Selected    bool `json:"selected"`
}

type errorResponse struct {
	Error string `json:"error"`
}
