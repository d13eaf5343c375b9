package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
)

// Client talks to a running daemon.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		base: &url.URL{Scheme: "http", Host: "vpnd"},
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   common.APIRequestTimeout,
		},
		dialer: &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: common.APIRequestTimeout},
	}
}

// NewHTTPClient returns a client for a daemon served over TCP at baseURL.
func NewHTTPClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: common.APIRequestTimeout},
		dialer: websocket.DefaultDialer,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return &StatusError{Code: resp.StatusCode, Message: e.Error}
		}
		return &StatusError{Code: resp.StatusCode, Message: resp.Status}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// Is maps response codes back to the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch e.Code {
	case http.StatusNotFound:
		return target == common.ErrProfileNotFound
	case http.StatusConflict:
		return target == common.ErrDuplicateName
	case http.StatusServiceUnavailable:
		return target == common.ErrShuttingDown
	}
	return false
}

// Connect asks the daemon to connect.
func (c *Client) Connect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/connect", nil, nil)
}

// Disconnect asks the daemon to disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/disconnect", nil, nil)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// UpdateSettings changes the non-nil fields of u and returns the fields the
// daemon queued. During shutdown that can be a subset of u.
func (c *Client) UpdateSettings(ctx context.Context, u SettingsUpdate) (SettingsUpdate, error) {
	var applied SettingsUpdate
	err := c.do(ctx, http.MethodPut, "/v1/settings", u, &applied)
	return applied, err
}

// History returns up to limit transitions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]history.Transition, error) {
	var out []history.Transition
	err := c.do(ctx, http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// Profiles lists imported profiles.
func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	err := c.do(ctx, http.MethodGet, "/v1/profiles", nil, &out)
	return out, err
}

// AddProfile imports an OpenVPN configuration file readable by the daemon.
func (c *Client) AddProfile(ctx context.Context, req ProfileRequest) (Profile, error) {
	var out Profile
	err := c.do(ctx, http.MethodPost, "/v1/profiles", req, &out)
	return out, err
}

// RemoveProfile deletes a profile by name or ID.
func (c *Client) RemoveProfile(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/v1/profiles/"+url.PathEscape(ref), nil, nil)
}

// SetPassword stores a password for a profile. An empty password deletes it.
func (c *Client) SetPassword(ctx context.Context, ref, password string) error {
	return c.do(ctx, http.MethodPut, "/v1/profiles/"+url.PathEscape(ref)+"/password", PasswordRequest{Password: password}, nil)
}

// Watch streams transitions to fn until ctx is done or the daemon goes away.
// The first event is the current state.
func (c *Client) Watch(ctx context.Context, fn func(tunnel.TransitionEvent)) error {
	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/v1/events"

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDaemonUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev tunnel.TransitionEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

