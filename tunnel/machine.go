package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yllada/vpnd/common"
)

// Settings are the user-controlled values of SharedValues.
type Settings struct {
	AllowLAN              bool `json:"allow_lan"`
	BlockWhenDisconnected bool `json:"block_when_disconnected"`
	IsOffline             bool `json:"is_offline"`
}

// Config wires the machine to its collaborators.
type Config struct {
	Settings
	DNSServers []netip.Addr

	DNS      DNSSetter
	Firewall Firewall
	Launcher Launcher
	Backoff  Backoff
	// CloseTimeout bounds how long a teardown waits for the tunnel to exit.
	CloseTimeout time.Duration
	Logger       common.Logger
}

// StateMachine drives the tunnel lifecycle. Commands are queued by Send from
// any goroutine and consumed one at a time by Run.
type StateMachine struct {
	commands *queue[Command]
	shared   *SharedValues
	events   *Broadcaster
	settings atomic.Pointer[Settings]
	log      common.Logger

	runOnce sync.Once
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("state machine already started")

// New returns a machine in no state; Run enters Disconnected.
func New(cfg Config) *StateMachine {
	log := common.OrDiscard(cfg.Logger)
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = common.ReconnectBaseDelay
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = common.ReconnectMaxDelay
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = common.TunnelCloseTimeout
	}

	m := &StateMachine{
		commands: newQueue[Command](),
		events:   NewBroadcaster(),
		log:      log,
		shared: &SharedValues{
			AllowLAN:              cfg.AllowLAN,
			BlockWhenDisconnected: cfg.BlockWhenDisconnected,
			IsOffline:             cfg.IsOffline,
			DNSServers:            cfg.DNSServers,
			DNS:                   cfg.DNS,
			Firewall:              cfg.Firewall,
			Launcher:              cfg.Launcher,
			Backoff:               cfg.Backoff,
			CloseTimeout:          cfg.CloseTimeout,
			log:                   log,
		},
	}
	m.storeSettings()
	return m
}

// Send queues cmd. It never blocks. Once shutdown has begun the command is
// dropped and Send returns false.
func (m *StateMachine) Send(cmd Command) bool {
	return m.commands.push(cmd)
}

// Shutdown closes the command inbox. Run tears down any tunnel and returns
// once the machine is at rest.
func (m *StateMachine) Shutdown() {
	m.commands.close()
}

// Events returns the transition broadcaster.
func (m *StateMachine) Events() *Broadcaster {
	return m.events
}

// Settings returns the values last seen by the driver.
func (m *StateMachine) Settings() Settings {
	return *m.settings.Load()
}

// Run drives the machine until the inbox is closed, by Shutdown or by
// cancelling ctx, and the machine has come to rest.
func (m *StateMachine) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyRunning
	}
	defer m.events.close()

	current, ev := enterDisconnected(m.shared)
	m.announce(ev)

	done := ctx.Done()
	for {
		c := current.handleEvent(m.commands, m.shared)
		switch c.kind {
		case sameState:
			m.storeSettings()
		case newState:
			current = c.next
			m.storeSettings()
			m.announce(c.transition)
		case finished:
			m.finish()
			return nil
		case noEvents:
			w := current.wakeups()
			select {
			case <-m.commands.readyChan():
			case <-w[0]:
			case <-w[1]:
			case <-done:
				m.log.Info("shutting down tunnel state machine")
				m.commands.close()
				done = nil
			}
		}
	}
}

func (m *StateMachine) announce(ev TransitionEvent) {
	if detail := ev.Detail(); detail != "" {
		m.log.Info("tunnel state: %s (%s)", ev.State, detail)
	} else {
		m.log.Info("tunnel state: %s", ev.State)
	}
	m.events.publish(ev)
}

func (m *StateMachine) finish() {
	m.shared.resetDNS()
	if m.shared.BlockWhenDisconnected {
		m.log.Info("keeping firewall policy in place, block_when_disconnected is set")
		return
	}
	if err := m.shared.Firewall.Reset(); err != nil {
		m.log.Error("failed to reset firewall policy: %v", err)
	}
}

func (m *StateMachine) storeSettings() {
	m.settings.Store(&Settings{
		AllowLAN:              m.shared.AllowLAN,
		BlockWhenDisconnected: m.shared.BlockWhenDisconnected,
		IsOffline:             m.shared.IsOffline,
	})
}
