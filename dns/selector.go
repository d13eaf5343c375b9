package dns

import (
	"errors"
	"fmt"

	"github.com/yllada/vpnd/common"
)

// Resolver produces a freshly bound Backend.
type Resolver interface {
	Resolve() (Backend, error)
}

// Selector picks the DNS backend for this host.
type Selector struct {
	override    BackendKind
	hasOverride bool
	candidates  []Candidate
	log         common.Logger
}

// NewSelector returns a Selector over candidates, which must be listed
// most preferred first. An override naming a known kind restricts probing
// to that kind; an empty or unrecognized override means auto-detection.
func NewSelector(override string, candidates []Candidate, log common.Logger) *Selector {
	s := &Selector{
		candidates: candidates,
		log:        common.OrDiscard(log),
	}
	if override != "" {
		if kind, ok := ParseBackendKind(override); ok {
			s.override, s.hasOverride = kind, true
		} else {
			s.log.Warn("ignoring unknown DNS backend override %q", override)
		}
	}
	return s
}

// Override returns the forced kind, if any.
func (s *Selector) Override() (BackendKind, bool) {
	return s.override, s.hasOverride
}

// Resolve binds a backend. Candidates are probed one at a time in order and
// the first success wins. Handles from failed probes are never kept.
func (s *Selector) Resolve() (Backend, error) {
	if s.hasOverride {
		return s.resolveOverride()
	}

	var errs []error
	for _, c := range s.candidates {
		backend, err := c.Probe()
		if err != nil {
			s.log.Debug("%s unavailable: %v", c.Kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Kind, err))
			continue
		}
		s.log.Debug("managing DNS via %s", backend.Name())
		return backend, nil
	}
	return nil, noBackend(errs)
}

func (s *Selector) resolveOverride() (Backend, error) {
	for _, c := range s.candidates {
		if c.Kind != s.override {
			continue
		}
		backend, err := c.Probe()
		if err != nil {
			return nil, noBackend([]error{fmt.Errorf("%s: %w", c.Kind, err)})
		}
		s.log.Debug("managing DNS via %s (override)", backend.Name())
		return backend, nil
	}
	return nil, noBackend([]error{fmt.Errorf("%s: not supported on this platform", s.override)})
}

func noBackend(errs []error) error {
	if len(errs) == 0 {
		return ErrNoBackendFound
	}
	return fmt.Errorf("%w: %w", ErrNoBackendFound, errors.Join(errs...))
}
