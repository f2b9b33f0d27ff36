package engine

import (
	"fmt"

	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/roster"
)

// EventType distinguishes event kinds.
type EventType int

const (
	// EventJoin adds a member to a community roster.
	EventJoin EventType = iota + 1
	// EventLeave reports a member leaving a community.
	EventLeave
	// EventSubmit carries an answer submission.
	EventSubmit
	// EventReload re-runs reconciliation for a community.
	EventReload
)

var eventTypeNames = map[EventType]string{
	EventJoin:   "join",
	EventLeave:  "leave",
	EventSubmit: "submit",
	EventReload: "reload",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType maps "join", "leave", "submit" or "reload" to its type.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Event is one external input to the engine.
type Event struct {
	Type EventType

	// CommunityID is the community the event belongs to. For unscoped
	// submissions it is taken from the "#<id>" suffix instead.
	CommunityID string

	// Member is the joining or leaving member.
	Member roster.Member

	// Participant and Text carry a submission. Scoped is set when the
	// submission channel already identifies the community.
	Participant roster.ParticipantID
	Text        string
	Scoped      bool

	// FlowToken and Seq are assigned on Enqueue when empty.
	FlowToken string
	Seq       int64

	reply chan<- Result
}

// Outcome is the result class of a processed event.
type Outcome string

const (
	OutcomeCorrect          Outcome = "correct"
	OutcomeAlreadySolved    Outcome = "already_solved"
	OutcomeIncorrect        Outcome = "incorrect"
	OutcomeFormatError      Outcome = "format_error"
	OutcomeUnknownCommunity Outcome = "unknown_community"
	OutcomeNotParticipant   Outcome = "not_participant"

	OutcomeJoined   Outcome = "joined"
	OutcomeLeft     Outcome = "left"
	OutcomeReloaded Outcome = "reloaded"
	// OutcomeIgnored covers membership events that changed nothing, such as
	// a bot joining.
	OutcomeIgnored Outcome = "ignored"
	OutcomeFailed  Outcome = "failed"
)

// Result describes how an event was processed.
type Result struct {
	Seq         int64                `json:"seq"`
	FlowToken   string               `json:"flow_token"`
	Type        string               `json:"type"`
	CommunityID string               `json:"community_id,omitempty"`
	Participant roster.ParticipantID `json:"participant,omitempty"`
	Outcome     Outcome              `json:"outcome"`
	Challenge   string               `json:"challenge,omitempty"`
	Points      int                  `json:"points,omitempty"`
	// Response is the user-facing text sent back to the participant.
	Response string `json:"response,omitempty"`
	// Err explains rejected submissions and failures. A PersistenceError
	// here leaves the outcome in place: the change holds in memory but was
	// not written.
	Err error `json:"-"`

	// board is the community whose scoreboard changed.
	board *community.State
}

func newResult(ev Event) Result {
	participant := ev.Participant
	if ev.Type == EventJoin || ev.Type == EventLeave {
		participant = ev.Member.ID
	}
	return Result{
		Seq:         ev.Seq,
		FlowToken:   ev.FlowToken,
		Type:        ev.Type.String(),
		CommunityID: ev.CommunityID,
		Participant: participant,
	}
}
