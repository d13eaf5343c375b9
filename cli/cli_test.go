package cli

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/vpnd/api"
	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

type fakeClient struct {
	status    api.Status
	updates   []api.SettingsUpdate
	history   []history.Transition
	profiles  []api.Profile
	passwords map[string]string
	added     []api.ProfileRequest
	removed   []string
	connects  int
	// events are replayed by Watch; the first is the current state and the
	// rest follow the command.
	events []tunnel.TransitionEvent
	err    error
}

func (f *fakeClient) Connect(context.Context) error    { f.connects++; return f.err }
func (f *fakeClient) Disconnect(context.Context) error { return f.err }
func (f *fakeClient) Status(context.Context) (api.Status, error) {
	return f.status, f.err
}

func (f *fakeClient) UpdateSettings(_ context.Context, u api.SettingsUpdate) (api.SettingsUpdate, error) {
	f.updates = append(f.updates, u)
	return u, f.err
}

func (f *fakeClient) History(_ context.Context, limit int) ([]history.Transition, error) {
	if limit < len(f.history) {
		return f.history[:limit], f.err
	}
	return f.history, f.err
}

func (f *fakeClient) Profiles(context.Context) ([]api.Profile, error) { return f.profiles, f.err }

func (f *fakeClient) AddProfile(_ context.Context, req api.ProfileRequest) (api.Profile, error) {
	f.added = append(f.added, req)
	return api.Profile{Profile: vpn.Profile{
		ID: "0123456789abcdef", Name: req.Name,
		Endpoint: netip.MustParseAddrPort("203.0.113.9:1194"), Protocol: "udp",
	}}, f.err
}

func (f *fakeClient) RemoveProfile(_ context.Context, ref string) error {
	f.removed = append(f.removed, ref)
	return f.err
}

func (f *fakeClient) SetPassword(_ context.Context, ref, pw string) error {
	if f.passwords == nil {
		f.passwords = map[string]string{}
	}
	f.passwords[ref] = pw
	return f.err
}

func (f *fakeClient) Watch(ctx context.Context, fn func(tunnel.TransitionEvent)) error {
	for _, ev := range f.events {
		if ctx.Err() != nil {
			return nil
		}
		fn(ev)
	}
	return nil
}

func newTestCLI(f *fakeClient) (*CLI, *bytes.Buffer) {
	var out bytes.Buffer
	c := &CLI{client: f, out: &out, in: strings.NewReader("")}
	c.readPassword = func(string) (string, error) { return "s3cret", nil }
	c.watch = func(context.Context, Client) error { return nil }
	return c, &out
}

func TestConnect(t *testing.T) {
	reason := tunnel.AuthFailed
	tests := []struct {
		name         string
		events       []tunnel.TransitionEvent
		wantErr      string
		wantOut      string
		wantConnects int
	}{
		{
			name: "connected",
			events: []tunnel.TransitionEvent{
				{State: tunnel.Disconnected},
				{State: tunnel.Connecting},
				{State: tunnel.Connected, Metadata: &tunnel.Metadata{Interface: "tun0"}},
			},
			wantOut:      "✓ Connected via tun0",
			wantConnects: 1,
		},
		{
			name: "blocked",
			events: []tunnel.TransitionEvent{
				{State: tunnel.Disconnected},
				{State: tunnel.Connecting},
				{State: tunnel.Blocked, Reason: &reason},
			},
			wantErr:      "blocked",
			wantConnects: 1,
		},
		{
			name:    "already connected",
			events:  []tunnel.TransitionEvent{{State: tunnel.Connected}},
			wantOut: "Already connected",
		},
		{
			name:         "stream ends",
			events:       []tunnel.TransitionEvent{{State: tunnel.Disconnected}},
			wantErr:      "closed the event stream",
			wantConnects: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeClient{events: tt.events}
			c, out := newTestCLI(f)
			err := c.Connect(context.Background())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output %q does not contain %q", out.String(), tt.wantOut)
			}
			if f.connects != tt.wantConnects {
				t.Errorf("connects = %d, want %d", f.connects, tt.wantConnects)
			}
		})
	}
}

func TestConnect_SendError(t *testing.T) {
	f := &fakeClient{events: []tunnel.TransitionEvent{{State: tunnel.Disconnected}}, err: common.ErrShuttingDown}
	c, _ := newTestCLI(f)
	if err := c.Connect(context.Background()); !errors.Is(err, common.ErrShuttingDown) {
		t.Errorf("err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := &fakeClient{status: api.Status{
		State:      &tunnel.TransitionEvent{State: tunnel.Connected, At: time.Now().Add(-90 * time.Second), Metadata: &tunnel.Metadata{Interface: "tun0"}},
		Settings:   tunnel.Settings{AllowLAN: true},
		Profile:    "work",
		DNSBackend: "systemd-resolved",
		LastBackendChange: &history.BackendChange{
			Previous: "static-file", Current: "systemd-resolved", At: time.Now(),
		},
	}}
	c, out := newTestCLI(f)
	if err := c.Status(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"connected (via tun0)", "1m 30s", "work", "systemd-resolved", "static-file -> systemd-resolved", "Allow LAN:", "on"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr bool
		check   func(api.SettingsUpdate) bool
	}{
		{[]string{"allow-lan", "on"}, false, func(u api.SettingsUpdate) bool { return u.AllowLAN != nil && *u.AllowLAN }},
		{[]string{"block-when-disconnected", "off"}, false, func(u api.SettingsUpdate) bool {
			return u.BlockWhenDisconnected != nil && !*u.BlockWhenDisconnected
		}},
		{[]string{"profile", "home"}, false, func(u api.SettingsUpdate) bool { return u.Profile != nil && *u.Profile == "home" }},
		{[]string{"allow-lan", "maybe"}, true, nil},
		{[]string{"colour", "on"}, true, nil},
		{[]string{"allow-lan"}, true, nil},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			f := &fakeClient{}
			c, _ := newTestCLI(f)
			err := c.Set(context.Background(), tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if len(f.updates) != 0 {
					t.Error("invalid input reached the daemon")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(f.updates) != 1 || !tt.check(f.updates[0]) {
				t.Errorf("updates = %+v", f.updates)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	f := &fakeClient{history: []history.Transition{
		{At: time.Now(), State: "blocked", Detail: "authentication with the server failed"},
		{At: time.Now(), State: "connecting", Session: "6f1c2d3e-aaaa-bbbb-cccc-000000000000"},
	}}
	c, out := newTestCLI(f)
	if err := c.History(context.Background(), []string{"-n", "5"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "6f1c2d3e\n") || !strings.Contains(out.String(), "blocked") {
		t.Errorf("history output:\n%s", out.String())
	}
}

func TestProfileCommands(t *testing.T) {
	f := &fakeClient{profiles: []api.Profile{{
		Profile:     vpn.Profile{ID: "abcdef0123", Name: "work", Username: "alice", Endpoint: netip.MustParseAddrPort("198.51.100.7:443"), Protocol: "tcp"},
		HasPassword: true, Selected: true,
	}}}
	c, out := newTestCLI(f)
	ctx := context.Background()

	if err := c.Profile(ctx, []string{"list"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "198.51.100.7:443/tcp") || !strings.Contains(out.String(), "abcdef01 ") {
		t.Errorf("list output:\n%s", out.String())
	}

	if err := c.Profile(ctx, []string{"add", "-user", "bob", "home", "home.ovpn"}); err != nil {
		t.Fatal(err)
	}
	if len(f.added) != 1 || f.added[0].Username != "bob" || !strings.HasSuffix(f.added[0].ConfigPath, "/home.ovpn") {
		t.Errorf("added = %+v", f.added)
	}
	if err := c.Profile(ctx, []string{"add", "only-name"}); err == nil {
		t.Error("add with one argument should fail")
	}

	if err := c.Profile(ctx, []string{"remove", "home"}); err != nil {
		t.Fatal(err)
	}
	if len(f.removed) != 1 || f.removed[0] != "home" {
		t.Errorf("removed = %v", f.removed)
	}
}

func TestPassword(t *testing.T) {
	f := &fakeClient{}
	c, _ := newTestCLI(f)
	if err := c.Password(context.Background(), []string{"work"}); err != nil {
		t.Fatal(err)
	}
	if f.passwords["work"] != "s3cret" {
		t.Errorf("passwords = %v", f.passwords)
	}
}

func TestPromptPassword_Piped(t *testing.T) {
	c := &CLI{in: strings.NewReader("hunter2\nignored\n"), out: &bytes.Buffer{}}
	pw, err := c.promptPassword("Password: ")
	if err != nil || pw != "hunter2" {
		t.Errorf("promptPassword = %q, %v", pw, err)
	}
}

func TestRun(t *testing.T) {
	f := &fakeClient{status: api.Status{}}
	c, out := newTestCLI(f)
	if code := c.Run(context.Background(), nil); code != 2 {
		t.Errorf("no args exit code = %d", code)
	}
	if code := c.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Errorf("unknown command exit code = %d", code)
	}
	if code := c.Run(context.Background(), []string{"status"}); code != 0 {
		t.Errorf("status exit code = %d", code)
	}
	if !strings.Contains(out.String(), "vpnd daemon") {
		t.Error("help not printed")
	}
}

func TestWatchModel(t *testing.T) {
	var m tea.Model = newWatchModel()
	if !strings.Contains(m.View(), "waiting") {
		t.Errorf("initial view:\n%s", m.View())
	}

	m, _ = m.Update(eventMsg{State: tunnel.Connecting, At: time.Now()})
	m, _ = m.Update(eventMsg{State: tunnel.Connected, At: time.Now(), Metadata: &tunnel.Metadata{Interface: "tun0"}})
	view := m.View()
	if !strings.Contains(view, "CONNECTED") || !strings.Contains(view, "via tun0") {
		t.Errorf("view:\n%s", view)
	}

	m, cmd := m.Update(streamEndMsg{err: errors.New("daemon stopped")})
	if cmd == nil {
		t.Fatal("stream end should quit")
	}
	if !strings.Contains(m.View(), "daemon stopped") {
		t.Errorf("view:\n%s", m.View())
	}
}
