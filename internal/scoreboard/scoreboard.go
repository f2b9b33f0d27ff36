// Package scoreboard derives participant scores from the solve ledger.
package scoreboard

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
)

// ErrUnknownParticipant is returned by Bump for an untracked participant.
var ErrUnknownParticipant = errors.New("unknown participant")

// Line is one rendered scoreboard row.
type Line struct {
	Participant roster.ParticipantID
	DisplayName string
	Score       int
}

// Board maps roster participants to scores.
//
// For every tracked participant p, score(p) is the sum of rewards of the
// challenges in the ledger for p that resolve in the current catalog. The
// board is rebuilt by Recompute whenever the catalog or roster changes and
// is only bumped incrementally for fresh solves.
type Board struct {
	order  []roster.ParticipantID
	scores map[roster.ParticipantID]int
}

// New returns an empty board.
func New() *Board {
	return &Board{scores: make(map[roster.ParticipantID]int)}
}

// Recompute rebuilds the board for the participants of r. Ledger entries
// that no longer resolve in c contribute nothing.
func (b *Board) Recompute(r *roster.Roster, l *ledger.Ledger, c *challenge.Catalog) {
	ids := r.IDs()
	b.order = ids
	b.scores = make(map[roster.ParticipantID]int, len(ids))
	for _, p := range ids {
		b.scores[p] = Total(l, c, p)
	}
}

// Total sums the rewards of p's solves that resolve in c.
func Total(l *ledger.Ledger, c *challenge.Catalog, p roster.ParticipantID) int {
	total := 0
	for _, id := range l.SolvesOf(p) {
		if ch, ok := c.Resolve(id); ok {
			total += ch.Reward
		}
	}
	return total
}

// AddParticipant starts tracking p at zero. Returns false if p is tracked.
func (b *Board) AddParticipant(p roster.ParticipantID) bool {
	if _, ok := b.scores[p]; ok {
		return false
	}
	b.scores[p] = 0
	b.order = append(b.order, p)
	return true
}

// RemoveParticipant stops tracking p.
func (b *Board) RemoveParticipant(p roster.ParticipantID) bool {
	if _, ok := b.scores[p]; !ok {
		return false
	}
	delete(b.scores, p)
	for i, id := range b.order {
		if id == p {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Bump adds amount to p's score.
func (b *Board) Bump(p roster.ParticipantID, amount int) error {
	if _, ok := b.scores[p]; !ok {
		return fmt.Errorf("bump %s: %w", p, ErrUnknownParticipant)
	}
	b.scores[p] += amount
	return nil
}

// Score returns p's score.
func (b *Board) Score(p roster.ParticipantID) (int, bool) {
	s, ok := b.scores[p]
	return s, ok
}

// Len returns the number of tracked participants.
func (b *Board) Len() int {
	return len(b.order)
}

// Render returns the board ordered by descending score. Equal scores keep
// roster insertion order. Participants not in r are omitted.
func (b *Board) Render(r *roster.Roster) []Line {
	lines := make([]Line, 0, len(b.order))
	for _, p := range b.order {
		if !r.Contains(p) {
			continue
		}
		lines = append(lines, Line{
			Participant: p,
			DisplayName: r.DisplayName(p),
			Score:       b.scores[p],
		})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Score > lines[j].Score
	})
	return lines
}
