// Package ledger records which participant solved which challenge in one
// community.
//
// A (participant, challenge identity) pair is stored at most once. Entries
// outlive roster and catalog changes; they are only removed by Prune, which
// reconciliation calls under the destructive strategy.
package ledger

import (
	"sort"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/roster"
)

// Entry is a single solve.
type Entry struct {
	Participant roster.ParticipantID
	Challenge   challenge.Identity
}

// Ledger is the in-memory solve record of one community.
// It is not safe for concurrent use.
type Ledger struct {
	solves map[roster.ParticipantID]map[challenge.Identity]struct{}
	order  []roster.ParticipantID
	count  int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{solves: make(map[roster.ParticipantID]map[challenge.Identity]struct{})}
}

// RecordSolve records that p solved ch. It returns false without mutating
// anything if the pair is already present. Matching is by identity, so a
// challenge whose reward or description changed on reload still counts as
// already solved.
func (l *Ledger) RecordSolve(p roster.ParticipantID, ch challenge.Challenge) bool {
	return l.Record(p, ch.ID())
}

// Record records a solve by identity. See RecordSolve.
func (l *Ledger) Record(p roster.ParticipantID, id challenge.Identity) bool {
	set, ok := l.solves[p]
	if !ok {
		set = make(map[challenge.Identity]struct{})
		l.solves[p] = set
		l.order = append(l.order, p)
	}
	if _, dup := set[id]; dup {
		return false
	}
	set[id] = struct{}{}
	l.count++
	return true
}

// Has reports whether p solved id.
func (l *Ledger) Has(p roster.ParticipantID, id challenge.Identity) bool {
	_, ok := l.solves[p][id]
	return ok
}

// SolvesOf returns the identities solved by p, sorted.
func (l *Ledger) SolvesOf(p roster.ParticipantID) []challenge.Identity {
	set := l.solves[p]
	ids := make([]challenge.Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Participants returns every participant with at least one solve, in the
// order they first appeared.
func (l *Ledger) Participants() []roster.ParticipantID {
	out := make([]roster.ParticipantID, 0, len(l.order))
	for _, p := range l.order {
		if len(l.solves[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of solves.
func (l *Ledger) Len() int {
	return l.count
}

// Entries returns all solves ordered by participant appearance, then by
// identity.
func (l *Ledger) Entries() []Entry {
	entries := make([]Entry, 0, l.count)
	for _, p := range l.Participants() {
		for _, id := range l.SolvesOf(p) {
			entries = append(entries, Entry{Participant: p, Challenge: id})
		}
	}
	return entries
}

// Prune removes every solve for which keep returns false and returns the
// number removed. This is irreversible.
func (l *Ledger) Prune(keep func(Entry) bool) int {
	removed := 0
	for p, set := range l.solves {
		for id := range set {
			if !keep(Entry{Participant: p, Challenge: id}) {
				delete(set, id)
				removed++
			}
		}
		if len(set) == 0 {
			delete(l.solves, p)
		}
	}
	if removed > 0 {
		kept := l.order[:0]
		for _, p := range l.order {
			if _, ok := l.solves[p]; ok {
				kept = append(kept, p)
			}
		}
		l.order = kept
	}
	l.count -= removed
	return removed
}

// Merge records every solve of other into l and returns how many were new.
func (l *Ledger) Merge(other *Ledger) int {
	added := 0
	for _, e := range other.Entries() {
		if l.Record(e.Participant, e.Challenge) {
			added++
		}
	}
	return added
}

// Clone returns an independent copy.
func (l *Ledger) Clone() *Ledger {
	c := New()
	c.Merge(l)
	return c
}
