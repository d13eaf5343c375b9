package dns

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/yllada/vpnd/common"
)

// Manager owns at most one bound Backend.
type Manager struct {
	mu       sync.Mutex
	resolver Resolver
	log      common.Logger

	current  Backend
	last     BackendKind
	hasLast  bool
	onChange func(previous, current BackendKind)
}

// NewManager returns a Manager that binds backends through r.
func NewManager(r Resolver, log common.Logger) *Manager {
	return &Manager{
		resolver: r,
		log:      common.OrDiscard(log),
	}
}

// OnBackendChanged registers fn to run when a Set binds a different kind
// than the previous successful Set. fn runs with the manager locked and
// must not call back into it.
func (m *Manager) OnBackendChanged(fn func(previous, current BackendKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Set points DNS for iface at servers. Any bound backend is reverted first
// and a new one is resolved on every call. On failure nothing stays bound.
func (m *Manager) Set(iface string, servers []netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resetLocked(); err != nil {
		m.log.Warn("failed to revert previous DNS config: %v", err)
	}

	backend, err := m.resolver.Resolve()
	if err != nil {
		return err
	}

	m.log.Info("setting DNS servers to %v on %s via %s", common.AddrStrings(servers), iface, backend.Name())
	if err := backend.Apply(iface, servers); err != nil {
		if rerr := backend.Revert(); rerr != nil {
			m.log.Warn("cleanup after failed apply on %s: %v", backend.Name(), rerr)
		}
		return fmt.Errorf("apply DNS via %s: %w", backend.Name(), err)
	}
	m.current = backend

	kind := backend.Kind()
	if m.hasLast && m.last != kind {
		m.log.Warn("DNS backend changed from %s to %s", m.last, kind)
		if m.onChange != nil {
			m.onChange(m.last, kind)
		}
	}
	m.last, m.hasLast = kind, true
	return nil
}

// Reset reverts the bound backend, if any, and forgets it whether or not
// the revert succeeded. With nothing bound it is a no-op.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked()
}

func (m *Manager) resetLocked() error {
	if m.current == nil {
		return nil
	}
	backend := m.current
	m.current = nil

	m.log.Info("resetting DNS via %s", backend.Name())
	if err := backend.Revert(); err != nil {
		return fmt.Errorf("revert DNS via %s: %w", backend.Name(), err)
	}
	return nil
}

// Current reports the kind of the bound backend.
func (m *Manager) Current() (BackendKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, false
	}
	return m.current.Kind(), true
}
