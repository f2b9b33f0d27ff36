package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/reconcile"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/store"
	"github.com/roach88/ctfboard/internal/testutil"
)

var warmup = challenge.Challenge{Flag: "FLAG{x}", Name: "Warmup", Category: "misc", Reward: 50}

type harness struct {
	engine   *Engine
	registry *community.Registry
	store    *store.Store
	sink     *feed.Recorder
	members  *testutil.StaticMembers
	catalogs *testutil.StaticCatalogs
}

func newHarness(t *testing.T, strategy reconcile.Strategy, opts ...Option) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "solves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		registry: community.NewRegistry(),
		store:    s,
		sink:     &feed.Recorder{},
		members:  testutil.NewStaticMembers(),
		catalogs: testutil.NewStaticCatalogs(),
	}
	h.catalogs.Set("guild", warmup)
	h.members.Set("guild", roster.Member{ID: "alice", DisplayName: "Alice"}, roster.Member{ID: "bob", DisplayName: "Bob"})

	rec := &reconcile.Reconciler{
		Catalogs: h.catalogs,
		Members:  h.members,
		Ledger:   s,
		Strategy: strategy,
	}
	_, err = rec.ReconcileAll(context.Background(), h.registry, []string{"guild"})
	require.NoError(t, err)

	opts = append([]Option{WithSink(h.sink), WithFlowTokens(testutil.NewFixedTokenGenerator("flow"))}, opts...)
	h.engine = New(h.registry, rec, s, opts...)
	return h
}

func (h *harness) submit(participant roster.ParticipantID, text string) Result {
	return h.engine.Process(context.Background(), Event{
		Type:        EventSubmit,
		CommunityID: "guild",
		Participant: participant,
		Text:        text,
		Scoped:      true,
	})
}

func (h *harness) score(t *testing.T, p roster.ParticipantID) int {
	t.Helper()
	st, ok := h.registry.Get("guild")
	require.True(t, ok)
	score, ok := st.Board.Score(p)
	require.True(t, ok, "%s not on board", p)
	return score
}

func TestSubmit_CorrectThenAlreadySolved(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)

	res := h.submit("alice", "Warmup:FLAG{x}")
	assert.Equal(t, OutcomeCorrect, res.Outcome)
	assert.Equal(t, 50, res.Points)
	assert.Equal(t, "Correct! Here are 50 points", res.Response)
	assert.Equal(t, "flow", res.FlowToken)
	assert.Equal(t, 50, h.score(t, "alice"))

	res = h.submit("alice", " warm up : FLAG{x} ")
	assert.Equal(t, OutcomeAlreadySolved, res.Outcome)
	assert.Equal(t, feed.AlreadySolved, res.Response)
	assert.Equal(t, 50, h.score(t, "alice"))

	n, err := h.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, feed.KindReply, msgs[0].Kind)
	assert.Equal(t, roster.ParticipantID("alice"), msgs[0].Participant)
	assert.Equal(t, feed.KindScoreboard, msgs[1].Kind)
	assert.Equal(t, "Alice:  50\nBob:  0\n", msgs[1].Text)
	assert.Equal(t, feed.AlreadySolved, msgs[2].Text)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		participant roster.ParticipantID
		text        string
		scoped      bool
		outcome     Outcome
		response    string
		err         error
	}{
		{"incorrect flag", "alice", "Warmup:FLAG{nope}", true, OutcomeIncorrect, feed.IncorrectFlag, nil},
		{"unknown challenge", "alice", "Nope:FLAG{x}", true, OutcomeIncorrect, feed.IncorrectFlag, nil},
		{"missing colon", "alice", "Warmup FLAG{x}", true, OutcomeFormatError,
			"Please send your answer in the following format: <challenge name>:<flag>", nil},
		{"missing community", "alice", "Warmup:FLAG{x}", false, OutcomeFormatError,
			"Please send your answer in the following format: <challenge name>:<flag>#COMMUNITY_ID", nil},
		{"unknown community", "alice", "Warmup:FLAG{x}#elsewhere", false, OutcomeUnknownCommunity, feed.UnknownEvent, community.ErrUnknownCommunity},
		{"not a participant", "mallory", "Warmup:FLAG{x}", true, OutcomeNotParticipant, feed.NotParticipant, community.ErrNotParticipant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, reconcile.StrategyPreserve)

			res := h.engine.Process(context.Background(), Event{
				Type:        EventSubmit,
				CommunityID: "guild",
				Participant: tt.participant,
				Text:        tt.text,
				Scoped:      tt.scoped,
			})
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.response, res.Response)
			if tt.err != nil {
				assert.ErrorIs(t, res.Err, tt.err)
			}
			if tt.outcome == OutcomeFormatError {
				assert.True(t, community.IsFormatError(res.Err))
			}

			assert.Equal(t, 0, h.score(t, "alice"))
			st, _ := h.registry.Get("guild")
			assert.Zero(t, st.Ledger.Len())
		})
	}
}

func TestSubmit_UnscopedNamesCommunity(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)

	res := h.engine.Process(context.Background(), Event{
		Type:        EventSubmit,
		Participant: "bob",
		Text:        "Warmup:FLAG{x}#guild",
	})
	assert.Equal(t, OutcomeCorrect, res.Outcome)
	assert.Equal(t, "guild", res.CommunityID)
	assert.Equal(t, 50, h.score(t, "bob"))
}

type flakyStore struct {
	SolveStore
	mu       sync.Mutex
	failures int
	saves    int
}

func (f *flakyStore) RecordSolve(ctx context.Context, id string, p roster.ParticipantID, c challenge.Identity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, &community.PersistenceError{Op: "record", CommunityID: id, Err: errors.New("disk full")}
	}
	return f.SolveStore.RecordSolve(ctx, id, p, c)
}

func (f *flakyStore) SaveSolves(ctx context.Context, id string, l *ledger.Ledger) (int64, error) {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return f.SolveStore.SaveSolves(ctx, id, l)
}

func TestSubmit_PersistFailureRetriedOnNextSave(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)
	flaky := &flakyStore{SolveStore: h.store, failures: 1}
	h.engine.solves = flaky

	res := h.submit("alice", "Warmup:FLAG{x}")
	assert.Equal(t, OutcomeCorrect, res.Outcome, "in-memory state stays authoritative")
	assert.Equal(t, 50, res.Points)
	assert.True(t, community.IsPersistenceError(res.Err), "failed write is reported: %v", res.Err)
	assert.Equal(t, 50, h.score(t, "alice"))

	st, _ := h.registry.Get("guild")
	assert.True(t, st.Dirty)
	n, err := h.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Zero(t, n)

	res = h.submit("bob", "Warmup:FLAG{x}")
	assert.Equal(t, OutcomeCorrect, res.Outcome)
	assert.NoError(t, res.Err)

	assert.False(t, st.Dirty)
	assert.Equal(t, 1, flaky.saves, "dirty ledger saved whole")
	n, err = h.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmit_MetricsLabelsOnlyKnownCommunities(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, reconcile.StrategyPreserve, WithMetrics(metrics.New(reg)))

	unscoped := func(participant roster.ParticipantID, text string) Result {
		return h.engine.Process(context.Background(), Event{Type: EventSubmit, Participant: participant, Text: text})
	}
	for i := 0; i < 50; i++ {
		res := unscoped("alice", fmt.Sprintf("x:y#junk%d", i))
		require.Equal(t, OutcomeUnknownCommunity, res.Outcome)
		assert.Equal(t, fmt.Sprintf("junk%d", i), res.CommunityID)
	}
	assert.Equal(t, OutcomeFormatError, unscoped("alice", "no separator").Outcome)
	assert.Equal(t, OutcomeCorrect, unscoped("alice", "Warmup:FLAG{x}#guild").Outcome)

	// ("", unknown_community), ("", format_error), ("guild", correct)
	n, err := promtest.GatherAndCount(reg, "ctfboard_submissions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSubmit_UnscopedLogsCommunityOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, reconcile.StrategyPreserve, WithLogger(logger))

	h.engine.Process(context.Background(), Event{Type: EventSubmit, Participant: "alice", Text: "x:y#junk1"})
	h.engine.Process(context.Background(), Event{Type: EventSubmit, Participant: "bob", Text: "Warmup:FLAG{x}#guild"})

	out := buf.String()
	assert.Contains(t, out, "community_id=junk1")
	assert.Contains(t, out, "community_id=guild")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.LessOrEqual(t, strings.Count(line, "community_id="), 1, line)
	}
}

func TestJoin(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)

	res := h.engine.Process(context.Background(), Event{Type: EventJoin, CommunityID: "guild", Member: roster.Member{ID: "carol", DisplayName: "Carol"}})
	assert.Equal(t, OutcomeJoined, res.Outcome)
	assert.Equal(t, roster.ParticipantID("carol"), res.Participant)
	assert.Equal(t, 0, h.score(t, "carol"))

	res = h.engine.Process(context.Background(), Event{Type: EventJoin, CommunityID: "guild", Member: roster.Member{ID: "robot", Bot: true}})
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res = h.engine.Process(context.Background(), Event{Type: EventJoin, CommunityID: "guild"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, IsInvalidEvent(res.Err))
}

func TestJoin_FirstContactCreatesCommunity(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)
	h.catalogs.Set("fresh", warmup)
	h.members.Set("fresh", roster.Member{ID: "dave"})

	res := h.engine.Process(context.Background(), Event{Type: EventJoin, CommunityID: "fresh", Member: roster.Member{ID: "dave"}})
	assert.Equal(t, OutcomeJoined, res.Outcome)

	st, ok := h.registry.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, 1, st.Catalog.Len())
	assert.True(t, st.Roster.Contains("dave"))
}

func TestJoin_ReturningMemberKeepsScore(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPrune)
	h.submit("bob", "Warmup:FLAG{x}")

	res := h.engine.Process(context.Background(), Event{Type: EventLeave, CommunityID: "guild", Member: roster.Member{ID: "bob"}})
	assert.Equal(t, OutcomeLeft, res.Outcome)
	st, _ := h.registry.Get("guild")
	_, onBoard := st.Board.Score("bob")
	assert.False(t, onBoard)

	res = h.engine.Process(context.Background(), Event{Type: EventJoin, CommunityID: "guild", Member: roster.Member{ID: "bob", DisplayName: "Bob"}})
	assert.Equal(t, OutcomeJoined, res.Outcome)
	assert.Equal(t, 50, h.score(t, "bob"))
}

func TestLeave_PreserveKeepsMember(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)

	res := h.engine.Process(context.Background(), Event{Type: EventLeave, CommunityID: "guild", Member: roster.Member{ID: "bob"}})
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, 0, h.score(t, "bob"))
}

func TestReload_PublishesBoards(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)
	h.catalogs.Set("guild", warmup, challenge.Challenge{Flag: "F2", Name: "Second", Difficulty: 2, Reward: 10})

	res := h.engine.Process(context.Background(), Event{Type: EventReload, CommunityID: "guild"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeReloaded, res.Outcome)

	msgs := h.sink.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, feed.KindChallenges, msgs[0].Kind)
	assert.Contains(t, msgs[0].Text, "## Second")
	assert.Contains(t, msgs[0].Text, "🚩🚩")
	assert.Equal(t, feed.KindScoreboard, msgs[1].Kind)
}

func TestRun_DispatchAndStop(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)
	h.engine.tokens = UUIDv7Generator{}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := h.engine.Dispatch(ctx, Event{Type: EventSubmit, CommunityID: "guild", Participant: "alice", Text: "Warmup:FLAG{x}", Scoped: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorrect, first.Outcome)
	assert.NotEmpty(t, first.FlowToken)

	second, err := h.engine.Dispatch(ctx, Event{Type: EventSubmit, CommunityID: "guild", Participant: "alice", Text: "Warmup:FLAG{x}", Scoped: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySolved, second.Outcome)
	assert.Greater(t, second.Seq, first.Seq)

	h.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after Stop")
	}

	_, err = h.engine.Dispatch(ctx, Event{Type: EventReload, CommunityID: "guild"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRun_ContextCancel(t *testing.T) {
	h := newHarness(t, reconcile.StrategyPreserve)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.engine.Enqueue(Event{Type: EventReload, CommunityID: "guild"}))
}
