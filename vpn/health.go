package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/vpnd/common"
)

// ConnectivityState is the host's view of its own uplink.
type ConnectivityState int

const (
	ConnectivityUnknown ConnectivityState = iota
	ConnectivityOnline
	ConnectivityOffline
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityOnline:
		return "Online"
	case ConnectivityOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// MonitorConfig holds configuration for the offline monitor.
type MonitorConfig struct {
	// CheckInterval is how often the routing table is re-read even without a
	// change notification.
	CheckInterval time.Duration
	// Settle delays a recheck after a notification so that a burst of route
	// changes is read once.
	Settle time.Duration
	// IsTunnel reports links to ignore when looking for a default route.
	IsTunnel func(link string) bool
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 30 * time.Second,
		Settle:        200 * time.Millisecond,
		IsTunnel:      isTunnelLink,
	}
}

// routeWatcher is the platform's view of the routing table.
type routeWatcher interface {
	// HasDefaultRoute reports whether a default route leaves through a link
	// for which skip returns false.
	HasDefaultRoute(skip func(link string) bool) (bool, error)
	// Watch signals on the returned channel after every route change until
	// done is closed.
	Watch(done <-chan struct{}) (<-chan struct{}, error)
}

// OfflineMonitor reports when the host loses or regains a default route.
type OfflineMonitor struct {
	mu       sync.RWMutex
	config   MonitorConfig
	routes   routeWatcher
	state    ConnectivityState
	onChange func(offline bool)
	log      common.Logger
}

// NewOfflineMonitor returns a monitor for the system routing table.
func NewOfflineMonitor(config MonitorConfig, log common.Logger) *OfflineMonitor {
	return newOfflineMonitor(config, newRouteWatcher(), log)
}

func newOfflineMonitor(config MonitorConfig, routes routeWatcher, log common.Logger) *OfflineMonitor {
	def := DefaultMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.Settle < 0 {
		config.Settle = 0
	}
	if config.IsTunnel == nil {
		config.IsTunnel = def.IsTunnel
	}
	return &OfflineMonitor{config: config, routes: routes, log: common.OrDiscard(log)}
}

// SetOnChange sets the callback for connectivity changes. The first check
// always reports.
func (m *OfflineMonitor) SetOnChange(callback func(offline bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = callback
}

// State returns the last observed state.
func (m *OfflineMonitor) State() ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run checks connectivity until ctx is done.
func (m *OfflineMonitor) Run(ctx context.Context) error {
	updates, err := m.routes.Watch(ctx.Done())
	if err != nil {
		m.log.Warn("route notifications unavailable, polling every %s: %v", m.config.CheckInterval, err)
		updates = nil
	}

	m.check()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				m.log.Warn("route notifications stopped, polling every %s", m.config.CheckInterval)
				updates = nil
				continue
			}
			if settle == nil {
				settle = time.After(m.config.Settle)
			}
		case <-settle:
			settle = nil
			m.check()
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *OfflineMonitor) check() {
	online, err := m.routes.HasDefaultRoute(m.config.IsTunnel)
	if err != nil {
		// Unreadable routes must not block the tunnel.
		m.log.Warn("failed to read routing table: %v", err)
		online = true
	}
	next := ConnectivityOffline
	if online {
		next = ConnectivityOnline
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	callback := m.onChange
	m.mu.Unlock()

	if prev == next {
		return
	}
	m.log.Info("connectivity: %s -> %s", prev, next)
	if callback != nil {
		callback(next == ConnectivityOffline)
	}
}
