package feed

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/scoreboard"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestFormatBoard(t *testing.T) {
	lines := []scoreboard.Line{
		{Participant: "alice", DisplayName: "Alice", Score: 350},
		{Participant: "bob", DisplayName: "Bob", Score: 50},
		{Participant: "carol", DisplayName: "carol", Score: 0},
	}
	newGoldie(t).Assert(t, "board", []byte(FormatBoard(lines)))
}

func TestFormatBoard_Empty(t *testing.T) {
	assert.Equal(t, "", FormatBoard(nil))
}

func TestFormatChallenges(t *testing.T) {
	cs := []challenge.Challenge{
		{Flag: "FLAG{x}", Name: "Warmup", Category: "misc", Reward: 50},
		{Flag: "FLAG{h}", Name: "Heap", Category: "pwn", Description: "Smash it.", Difficulty: 3, Reward: 300},
		{Flag: "FLAG{l}", Name: "Legacy", Description: "No category.", Difficulty: 1, Reward: 10},
	}
	newGoldie(t).Assert(t, "challenges", []byte(FormatChallenges(cs)))
}

func TestCorrect(t *testing.T) {
	assert.Equal(t, "Correct! Here are 50 points", Correct(50))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Send(context.Background(), Message{Kind: KindReply, Text: "hi"}))
	require.NoError(t, Discard{}.Send(context.Background(), Message{}))

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	r.Reset()
	assert.Empty(t, r.Messages())
}
