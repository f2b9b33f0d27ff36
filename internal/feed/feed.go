// Package feed renders scoreboards, challenge listings and submission
// responses as text and defines the Sink that chat adapters implement to
// deliver them. The core never transmits anything itself.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/scoreboard"
)

// Kind is the destination class of a message.
type Kind string

const (
	// KindReply answers one participant.
	KindReply Kind = "reply"
	// KindScoreboard replaces the community scoreboard feed.
	KindScoreboard Kind = "scoreboard"
	// KindChallenges replaces the community challenge board.
	KindChallenges Kind = "challenges"
)

// Message is one outgoing text.
type Message struct {
	Kind        Kind                 `json:"kind"`
	CommunityID string               `json:"community_id,omitempty"`
	Participant roster.ParticipantID `json:"participant,omitempty"`
	FlowToken   string               `json:"flow_token,omitempty"`
	Text        string               `json:"text"`
}

// Sink delivers messages to the chat platform.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

// Discard drops every message.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(context.Context, Message) error { return nil }

// Recorder keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// Submission responses.
const (
	AlreadySolved  = "You already solved this challenge!"
	IncorrectFlag  = "Incorrect flag :("
	NotParticipant = "You are not a participant of this event."
	UnknownEvent   = "There is no event running for that community."
)

// DifficultyGlyph is repeated once per difficulty level.
const DifficultyGlyph = "🚩"

// Correct is the response to an accepted flag.
func Correct(points int) string {
	return fmt.Sprintf("Correct! Here are %d points", points)
}

// FormatBoard renders one "<name>:  <score>" line per participant, in the
// order given.
func FormatBoard(lines []scoreboard.Line) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%s:  %d\n", l.DisplayName, l.Score)
	}
	return b.String()
}

// FormatChallenges renders the challenge board in catalog order.
func FormatChallenges(cs []challenge.Challenge) string {
	var b strings.Builder
	for i, c := range cs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(c.Name)
		if c.Category != "" {
			fmt.Fprintf(&b, " [%s]", c.Category)
		}
		b.WriteString("\n")
		if c.Description != "" {
			b.WriteString(c.Description)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Difficulty: %s\n", strings.Repeat(DifficultyGlyph, c.Difficulty))
		fmt.Fprintf(&b, "Reward: %d points\n", c.Reward)
	}
	return b.String()
}
