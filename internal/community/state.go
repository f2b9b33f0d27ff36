// Package community owns the per-community state record and the registry
// that holds one record per served community.
package community

import (
	"sort"
	"sync"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/scoreboard"
)

// State is the catalog, roster, ledger and scoreboard of one community.
//
// The quadruple must only be touched while holding the state's lock (see
// Lock). The engine's single-writer loop takes it for each event; startup
// reconciliation takes it per community so communities may reconcile in
// parallel.
type State struct {
	mu sync.Mutex

	ID      string
	Catalog *challenge.Catalog
	Roster  *roster.Roster
	Ledger  *ledger.Ledger
	Board   *scoreboard.Board

	// Dirty is set when an incremental persist failed and the ledger must be
	// saved again.
	Dirty bool
}

// NewState returns empty state for a community.
func NewState(id string) *State {
	return &State{
		ID:      id,
		Catalog: challenge.Empty(),
		Roster:  roster.New(),
		Ledger:  ledger.New(),
		Board:   scoreboard.New(),
	}
}

// Lock acquires the state lock.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the state lock.
func (s *State) Unlock() { s.mu.Unlock() }

// Recompute rebuilds the scoreboard from roster, ledger and catalog.
func (s *State) Recompute() {
	s.Board.Recompute(s.Roster, s.Ledger, s.Catalog)
}

// Registry is the owned collection of community states keyed by id.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Get returns the state of a known community.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	return s, ok
}

// Ensure returns the state for id, creating empty state on first contact.
// created reports whether the state is new.
func (r *Registry) Ensure(id string) (s *State, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[id]; ok {
		return s, false
	}
	s = NewState(id)
	r.states[id] = s
	return s, true
}

// Put installs s, replacing any prior state with the same id.
func (r *Registry) Put(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[s.ID] = s
}

// Remove forgets a community.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

// IDs returns known community ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
