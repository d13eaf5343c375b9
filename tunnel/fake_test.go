package tunnel

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/firewall"
)

var (
	testEndpoint = netip.MustParseAddrPort("198.51.100.7:1194")
	testMetadata = Metadata{
		Interface: "tun0",
		IPs:       []netip.Addr{netip.MustParseAddr("10.8.0.2")},
		Gateway:   netip.MustParseAddr("10.8.0.1"),
	}
)

type fakeFirewall struct {
	mu       sync.Mutex
	policies []firewall.Policy
	resets   int
	fail     map[firewall.PolicyKind]error
}

func (f *fakeFirewall) Apply(p firewall.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[p.Kind]; err != nil {
		return err
	}
	f.policies = append(f.policies, p)
	return nil
}

func (f *fakeFirewall) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeFirewall) last() (firewall.Policy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.policies) == 0 {
		return firewall.Policy{}, false
	}
	return f.policies[len(f.policies)-1], true
}

func (f *fakeFirewall) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeDNS struct {
	mu      sync.Mutex
	iface   string
	servers []netip.Addr
	bound   bool
	sets    int
	resets  int
	setErr  error
}

func (d *fakeDNS) Set(iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets++
	d.bound = false
	if d.setErr != nil {
		return d.setErr
	}
	d.iface, d.servers, d.bound = iface, servers, true
	return nil
}

func (d *fakeDNS) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.bound = false
	return nil
}

func (d *fakeDNS) snapshot() (bound bool, iface string, servers []netip.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound, d.iface, d.servers
}

// fakeTunnel reports exit when closed, like a process that dies on SIGTERM.
type fakeTunnel struct {
	reporter Reporter
	once     sync.Once
	closed   chan struct{}
}

func (t *fakeTunnel) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.reporter.Exited(nil)
	})
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	paramsErr error
	launchErr error
	attempts  []uint32
	launched  chan *fakeTunnel
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeTunnel, 16)}
}

func (l *fakeLauncher) Parameters(attempt uint32) (Parameters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	if l.paramsErr != nil {
		return Parameters{}, l.paramsErr
	}
	return Parameters{Endpoint: testEndpoint, Protocol: "udp"}, nil
}

func (l *fakeLauncher) Launch(_ Parameters, r Reporter) (CloseHandle, error) {
	l.mu.Lock()
	err := l.launchErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := &fakeTunnel{reporter: r, closed: make(chan struct{})}
	l.launched <- t
	return t, nil
}

func (l *fakeLauncher) next(t *testing.T) *fakeTunnel {
	t.Helper()
	select {
	case tun := <-l.launched:
		return tun
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a tunnel launch")
		return nil
	}
}

type harness struct {
	fw       *fakeFirewall
	dns      *fakeDNS
	launcher *fakeLauncher
	shared   *SharedValues
}

func newHarness() *harness {
	h := &harness{
		fw:       &fakeFirewall{fail: map[firewall.PolicyKind]error{}},
		dns:      &fakeDNS{},
		launcher: newFakeLauncher(),
	}
	h.shared = &SharedValues{
		DNS:          h.dns,
		Firewall:     h.fw,
		Launcher:     h.launcher,
		Backoff:      Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		CloseTimeout: time.Second,
		log:          common.DiscardLogger{},
	}
	return h
}

func (h *harness) config() Config {
	return Config{
		DNS:          h.dns,
		Firewall:     h.fw,
		Launcher:     h.launcher,
		Backoff:      h.shared.Backoff,
		CloseTimeout: h.shared.CloseTimeout,
	}
}

// expectState reads transitions until one of kind arrives.
func expectState(t *testing.T, ch <-chan TransitionEvent, kind StateKind) TransitionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed while waiting for %s", kind)
			if ev.State == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", kind)
		}
	}
}

// nextState returns the very next transition.
func nextState(t *testing.T, ch <-chan TransitionEvent) TransitionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transition")
		return TransitionEvent{}
	}
}
