package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/dns"
	"github.com/yllada/vpnd/firewall"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

type nopFirewall struct{}

func (nopFirewall) Apply(firewall.Policy) error { return nil }
func (nopFirewall) Reset() error                { return nil }

type nopDNS struct{}

func (nopDNS) Set(string, []netip.Addr) error { return nil }
func (nopDNS) Reset() error                  { return nil }

// noProfile fails every launch for lack of a profile.
type noProfile struct{}

func (noProfile) Parameters(uint32) (tunnel.Parameters, error) {
	return tunnel.Parameters{}, tunnel.ErrNoTunnelParameters
}

func (noProfile) Launch(tunnel.Parameters, tunnel.Reporter) (tunnel.CloseHandle, error) {
	return nil, errors.New("unreachable")
}

type fakeDNSStatus struct{}

func (fakeDNSStatus) Current() (dns.BackendKind, bool) { return dns.SystemdResolved, true }

type fakeHistory struct{}

func (fakeHistory) Recent(_ context.Context, n int) ([]history.Transition, error) {
	out := []history.Transition{{ID: 2, State: "connecting"}, {ID: 1, State: "disconnected"}}
	if n < len(out) {
		out = out[:n]
	}
	return out, nil
}

func (fakeHistory) LastBackendChange(context.Context) (history.BackendChange, bool, error) {
	return history.BackendChange{ID: 1, Previous: "static-file", Current: "systemd-resolved"}, true, nil
}

type memPasswords struct {
	mu sync.Mutex
	m  map[string]string
}

func (p *memPasswords) Set(id, pw string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = pw
	return nil
}

func (p *memPasswords) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
	return nil
}

func (p *memPasswords) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[id]
	return ok
}

type selector struct {
	mu   sync.Mutex
	name string
}

func (s *selector) SelectProfile(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *selector) SelectedProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

type fixture struct {
	machine   *tunnel.StateMachine
	client    *Client
	passwords *memPasswords
	selector  *selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := tunnel.New(tunnel.Config{DNS: nopDNS{}, Firewall: nopFirewall{}, Launcher: noProfile{}})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		m.Run(context.Background())
	}()
	t.Cleanup(func() {
		m.Shutdown()
		<-stopped
	})

	profiles, err := vpn.NewProfileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		machine:   m,
		passwords: &memPasswords{m: map[string]string{}},
		selector:  &selector{},
	}
	srv := NewServer(ServerConfig{
		Machine:   m,
		History:   fakeHistory{},
		DNS:       fakeDNSStatus{},
		Profiles:  profiles,
		Passwords: f.passwords,
		Selector:  f.selector,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	f.client, err = NewHTTPClient(ts.URL)
	require.NoError(t, err)
	return f
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		st, err := f.client.Status(ctx)
		return err == nil && st.State != nil
	}, 2*time.Second, 10*time.Millisecond)

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, tunnel.Disconnected, st.State.State)
	assert.Equal(t, "systemd-resolved", st.DNSBackend)
	require.NotNil(t, st.LastBackendChange)
	assert.Equal(t, "static-file", st.LastBackendChange.Previous)
	assert.False(t, st.Settings.AllowLAN)
}

func TestConnectStreamsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan tunnel.TransitionEvent, 16)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- f.client.Watch(ctx, func(ev tunnel.TransitionEvent) { events <- ev })
	}()

	next := func() tunnel.TransitionEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return tunnel.TransitionEvent{}
		}
	}

	assert.Equal(t, tunnel.Disconnected, next().State)
	require.NoError(t, f.client.Connect(ctx))

	ev := next()
	require.Equal(t, tunnel.Blocked, ev.State)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, tunnel.NoMatchingRelay, *ev.Reason)

	require.NoError(t, f.client.Disconnect(ctx))
	assert.Equal(t, tunnel.Disconnected, next().State)

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	on := true
	applied, err := f.client.UpdateSettings(ctx, SettingsUpdate{AllowLAN: &on})
	require.NoError(t, err)
	require.NotNil(t, applied.AllowLAN)
	assert.True(t, *applied.AllowLAN)
	require.Eventually(t, func() bool {
		return f.machine.Settings().AllowLAN
	}, 2*time.Second, 10*time.Millisecond)

	missing := "nope"
	_, err = f.client.UpdateSettings(ctx, SettingsUpdate{Profile: &missing})
	assert.ErrorIs(t, err, common.ErrProfileNotFound)
}

// closingMachine accepts a fixed number of commands and then refuses the rest,
// as a machine does once shutdown begins.
type closingMachine struct {
	mu     sync.Mutex
	accept int
	sent   []tunnel.Command
}

func (m *closingMachine) Send(cmd tunnel.Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) >= m.accept {
		return false
	}
	m.sent = append(m.sent, cmd)
	return true
}

func (m *closingMachine) Settings() tunnel.Settings   { return tunnel.Settings{} }
func (m *closingMachine) Events() *tunnel.Broadcaster { return nil }

func TestUpdateSettings_DuringShutdown(t *testing.T) {
	newClient := func(m *closingMachine) *Client {
		ts := httptest.NewServer(NewServer(ServerConfig{Machine: m}).Handler())
		t.Cleanup(ts.Close)
		c, err := NewHTTPClient(ts.URL)
		require.NoError(t, err)
		return c
	}
	ctx := context.Background()
	on, off := true, false

	t.Run("partially queued", func(t *testing.T) {
		m := &closingMachine{accept: 1}
		applied, err := newClient(m).UpdateSettings(ctx, SettingsUpdate{AllowLAN: &on, BlockWhenDisconnected: &off})
		require.NoError(t, err)
		require.NotNil(t, applied.AllowLAN)
		assert.True(t, *applied.AllowLAN)
		assert.Nil(t, applied.BlockWhenDisconnected)
		assert.Equal(t, []tunnel.Command{tunnel.AllowLAN(true)}, m.sent)
	})

	t.Run("nothing queued", func(t *testing.T) {
		m := &closingMachine{}
		_, err := newClient(m).UpdateSettings(ctx, SettingsUpdate{AllowLAN: &on})
		assert.ErrorIs(t, err, common.ErrShuttingDown)
	})
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entries, err := f.client.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "connecting", entries[0].State)

	var se *StatusError
	_, err = f.client.History(ctx, 0)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := filepath.Join(t.TempDir(), "home.ovpn")
	require.NoError(t, os.WriteFile(cfg, []byte("client\nremote 203.0.113.9 1194 udp\n"), 0600))

	p, err := f.client.AddProfile(ctx, ProfileRequest{Name: "home", ConfigPath: cfg, Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:1194", p.Endpoint.String())

	_, err = f.client.AddProfile(ctx, ProfileRequest{Name: "home", ConfigPath: cfg})
	assert.ErrorIs(t, err, common.ErrDuplicateName)

	name := "home"
	_, err = f.client.UpdateSettings(ctx, SettingsUpdate{Profile: &name})
	require.NoError(t, err)
	require.NoError(t, f.client.SetPassword(ctx, "home", "pw"))

	list, err := f.client.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].HasPassword)
	assert.True(t, list[0].Selected)

	require.NoError(t, f.client.RemoveProfile(ctx, "home"))
	assert.False(t, f.passwords.Exists(p.ID), "password is removed with the profile")
	assert.ErrorIs(t, f.client.RemoveProfile(ctx, "home"), common.ErrProfileNotFound)
}

func TestShuttingDown(t *testing.T) {
	f := newFixture(t)
	f.machine.Shutdown()
	err := f.client.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrShuttingDown)
}

func TestListenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vpnd.sock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0600))

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}
