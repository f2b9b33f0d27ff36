package harness

import (
	"context"
	"fmt"

	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/roster"
)

func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertScore:
		st, ok := h.registry.Get(a.Community)
		if !ok {
			return fmt.Errorf("unknown community %q", a.Community)
		}
		score, onBoard := st.Board.Score(roster.ParticipantID(a.Participant))
		switch {
		case a.Absent && onBoard:
			return fmt.Errorf("%s is on the board with %d, want absent", a.Participant, score)
		case a.Absent:
			return nil
		case !onBoard:
			return fmt.Errorf("%s is not on the board", a.Participant)
		case score != a.Score:
			return fmt.Errorf("score of %s = %d, want %d", a.Participant, score, a.Score)
		}
		return nil

	case AssertStoredSolves:
		l, err := h.store.LoadSolves(ctx, a.Community)
		if err != nil {
			return err
		}
		n := l.Len()
		if a.Participant != "" {
			n = len(l.SolvesOf(roster.ParticipantID(a.Participant)))
		}
		if n != a.Count {
			return fmt.Errorf("stored solves = %d, want %d", n, a.Count)
		}
		return nil

	case AssertBoard:
		st, ok := h.registry.Get(a.Community)
		if !ok {
			return fmt.Errorf("unknown community %q", a.Community)
		}
		got := feed.FormatBoard(st.Board.Render(st.Roster))
		if got != a.Text {
			return fmt.Errorf("board = %q, want %q", got, a.Text)
		}
		return nil

	case AssertOutcomeCount:
		n := 0
		for _, o := range result.Outcomes {
			if string(o) == a.Outcome {
				n++
			}
		}
		if n != a.Count {
			return fmt.Errorf("%s outcomes = %d, want %d", a.Outcome, n, a.Count)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}
