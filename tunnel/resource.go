package tunnel

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/yllada/vpnd/common"
)

// ErrNoTunnelParameters is returned by Launcher.Parameters when there is
// nothing to connect to, such as a missing profile.
var ErrNoTunnelParameters = errors.New("no tunnel parameters")

// Metadata describes an established tunnel.
type Metadata struct {
	Interface string       `json:"interface"`
	IPs       []netip.Addr `json:"ips,omitempty"`
	Gateway   netip.Addr   `json:"gateway"`
}

// Parameters is what a launch needs. Data belongs to the Launcher.
type Parameters struct {
	Endpoint netip.AddrPort
	Protocol string
	Data     any
}

// CloseHandle stops a running tunnel.
type CloseHandle interface {
	Close() error
}

// Reporter receives a tunnel's lifecycle. Exited must be called exactly once,
// after which other calls are ignored.
type Reporter interface {
	Up(Metadata)
	Down()
	Exited(reason *BlockReason)
}

// Launcher starts tunnels.
type Launcher interface {
	// Parameters returns the next launch target. It must not block on the
	// network.
	Parameters(attempt uint32) (Parameters, error)
	// Launch starts the tunnel and returns once it is running or has failed
	// to start. Progress is reported through r.
	Launch(p Parameters, r Reporter) (CloseHandle, error)
}

type tunnelEventKind int

const (
	tunnelUp tunnelEventKind = iota
	tunnelDown
)

type tunnelEvent struct {
	kind     tunnelEventKind
	metadata Metadata
}

// tunnelHandle owns one launch attempt. It is the Reporter given to the
// Launcher and the CloseHandle given to Disconnecting.
type tunnelHandle struct {
	launcher     Launcher
	params       Parameters
	closeTimeout time.Duration
	log          common.Logger

	events *queue[tunnelEvent]
	exit   *completion

	mu      sync.Mutex
	timer   *time.Timer
	aborted bool
	closer  CloseHandle
}

// startTunnel launches p after delay without blocking the caller.
func startTunnel(l Launcher, p Parameters, delay, closeTimeout time.Duration, log common.Logger) *tunnelHandle {
	h := &tunnelHandle{
		launcher:     l,
		params:       p,
		closeTimeout: closeTimeout,
		log:          log,
		events:       newQueue[tunnelEvent](),
		exit:         newCompletion(),
	}
	if delay > 0 {
		log.Info("retrying in %s", delay)
	}
	h.mu.Lock()
	h.timer = time.AfterFunc(delay, h.launch)
	h.mu.Unlock()
	return h
}

func (h *tunnelHandle) launch() {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("tunnel launcher panicked: %v", r)
			h.exit.drop()
		}
	}()

	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		// The timer fired but Close got the lock first and is waiting on exit.
		h.events.close()
		h.exit.send(nil)
		return
	}
	h.mu.Unlock()

	closer, err := h.launcher.Launch(h.params, h)
	if err != nil {
		h.log.Error("failed to start tunnel: %v", err)
		reason := StartTunnelError
		h.exit.send(&reason)
		return
	}

	h.mu.Lock()
	aborted := h.aborted
	h.closer = closer
	h.mu.Unlock()

	if aborted {
		// Close ran while Launch was in progress and is waiting on exit.
		if err := closer.Close(); err != nil {
			h.log.Warn("failed to close tunnel: %v", err)
		}
	}
}

func (h *tunnelHandle) Up(md Metadata) { h.events.push(tunnelEvent{kind: tunnelUp, metadata: md}) }
func (h *tunnelHandle) Down()          { h.events.push(tunnelEvent{kind: tunnelDown}) }

func (h *tunnelHandle) Exited(reason *BlockReason) {
	h.events.close()
	h.exit.send(reason)
}

// Close stops the tunnel and waits for it to report its exit. A tunnel that
// does not report within closeTimeout resolves as dropped.
func (h *tunnelHandle) Close() error {
	h.mu.Lock()
	h.aborted = true
	pending := h.timer.Stop()
	closer := h.closer
	h.mu.Unlock()

	if pending {
		// Never launched.
		h.exit.send(nil)
		return nil
	}

	var err error
	if closer != nil {
		err = closer.Close()
	}

	timer := time.NewTimer(h.closeTimeout)
	defer timer.Stop()
	select {
	case <-h.exit.doneChan():
	case <-timer.C:
		if h.exit.drop() {
			err = errors.Join(err, fmt.Errorf("tunnel did not exit within %s", h.closeTimeout))
		}
	}
	return err
}
