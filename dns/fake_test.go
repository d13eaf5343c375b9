package dns

import (
	"errors"
	"net/netip"
	"sync"
)

// fakeBackend records calls and can be told to fail.
type fakeBackend struct {
	mu        sync.Mutex
	kind      BackendKind
	id        int
	applyErr  error
	revertErr error
	applied   []netip.Addr
	applies   int
	reverts   int
}

func (f *fakeBackend) Kind() BackendKind { return f.kind }
func (f *fakeBackend) Name() string      { return f.kind.String() }

func (f *fakeBackend) Apply(_ string, servers []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = servers
	return nil
}

func (f *fakeBackend) Revert() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts++
	f.applied = nil
	return f.revertErr
}

// fakeEnv builds candidates whose availability can be switched at runtime
// and records the probe order and every backend it hands out.
type fakeEnv struct {
	mu        sync.Mutex
	available map[BackendKind]bool
	probed    []BackendKind
	created   []*fakeBackend
	applyErr  error
	revertErr error
}

func newFakeEnv(available ...BackendKind) *fakeEnv {
	env := &fakeEnv{available: map[BackendKind]bool{}}
	for _, k := range available {
		env.available[k] = true
	}
	return env
}

func (e *fakeEnv) setAvailable(kinds ...BackendKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = map[BackendKind]bool{}
	for _, k := range kinds {
		e.available[k] = true
	}
}

func (e *fakeEnv) candidates() []Candidate {
	kinds := []BackendKind{SystemdResolved, NetworkManager, Resolvconf, StaticFile}
	out := make([]Candidate, 0, len(kinds))
	for _, k := range kinds {
		k := k
		out = append(out, Candidate{Kind: k, Probe: func() (Backend, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.probed = append(e.probed, k)
			if !e.available[k] {
				return nil, errors.New(k.String() + " not running")
			}
			b := &fakeBackend{kind: k, id: len(e.created), applyErr: e.applyErr, revertErr: e.revertErr}
			e.created = append(e.created, b)
			return b, nil
		}})
	}
	return out
}

func (e *fakeEnv) probeOrder() []BackendKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.probed
	e.probed = nil
	return out
}
