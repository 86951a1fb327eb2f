// Package condition implements the flat condition store: a map
// from gate name to a tri-state ON/OFF/FLUX, plus the aggregate used by the
// PSM to decide whether a service's conditions currently permit it to run.
package condition

import (
	"strings"
	"sync"

	"github.com/go-initd/initd/internal/record"
)

// State is a condition's tri-state value.
type State int

const (
	OFF State = iota
	FLUX
	ON
)

func (s State) String() string {
	switch s {
	case OFF:
		return "off"
	case FLUX:
		return "flux"
	case ON:
		return "on"
	default:
		return "unknown"
	}
}

// min returns the weaker of two states, ordered OFF < FLUX < ON: the
// aggregate of a set of conditions is the minimum of its members.
func min(a, b State) State {
	if a < b {
		return a
	}
	return b
}

// pinnedPrefix marks conditions that, once asserted ON, never change again
// for the life of the process.
const pinnedPrefix = "int/"

// Store is the single condition table. It enqueues a "step all" tick
// (via OnChange) rather than invoking PSM logic directly, so that several
// asserts made within one stimulus handler coalesce into a single step.
type Store struct {
	mu     sync.Mutex
	states map[string]State
	pinned map[string]bool

	// OnChange is called after any mutation that actually changed a gate's
	// state. It must not block; the event loop uses it to schedule a
	// "step all" tick. Nil is a valid no-op.
	OnChange func()
}

// New creates an empty condition store.
func New() *Store {
	return &Store{
		states: make(map[string]State),
		pinned: make(map[string]bool),
	}
}

func (s *Store) setLocked(key string, v State) {
	if s.pinned[key] {
		return
	}
	if s.states[key] == v {
		return
	}
	s.states[key] = v
	if v == ON && strings.HasPrefix(key, pinnedPrefix) {
		s.pinned[key] = true
	}
	if s.OnChange != nil {
		s.OnChange()
	}
}

// Assert sets key to ON.
func (s *Store) Assert(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, ON)
}

// Deassert sets key to OFF.
func (s *Store) Deassert(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, OFF)
}

// SetFlux marks key as transitioning.
func (s *Store) SetFlux(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, FLUX)
}

// Get returns the current state of key (OFF if never asserted).
func (s *Store) Get(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

// Reload flips every non-pinned condition to FLUX so that dependent PSMs are
// driven to WAITING during RELOAD_WAIT.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.states {
		s.setLocked(key, FLUX)
	}
}

// Aggregate computes the combined tri-state over a service's condition
// list: the minimum of member states ordered OFF < FLUX < ON, with negated
// members inverted. An empty list aggregates to ON (no gates
// means unconditional).
func (s *Store) Aggregate(refs []record.CondRef) State {
	if len(refs) == 0 {
		return ON
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ON
	for _, ref := range refs {
		st := s.states[ref.Name]
		if ref.Negate {
			st = invert(st)
		}
		result = min(result, st)
	}
	return result
}

func invert(s State) State {
	switch s {
	case ON:
		return OFF
	case OFF:
		return ON
	default:
		return FLUX
	}
}
