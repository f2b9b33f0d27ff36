package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/reconcile"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/store"
	"github.com/roach88/ctfboard/internal/testutil"
)

// Harness holds the wired components of one scenario run.
type Harness struct {
	store    *store.Store
	registry *community.Registry
	engine   *engine.Engine
	members  *testutil.StaticMembers
	catalogs *lineCatalogs
	sink     *feed.Recorder
	clock    *testutil.DeterministicClock
}

// lineCatalogs parses definition lines on every load, the way a file
// would be re-read on reload.
type lineCatalogs struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (c *lineCatalogs) set(communityID string, lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[communityID] = append([]string(nil), lines...)
}

func (c *lineCatalogs) LoadCatalog(communityID string) (*challenge.Catalog, []challenge.ParseWarning, error) {
	c.mu.Lock()
	lines := c.lines[communityID]
	c.mu.Unlock()
	return challenge.Parse(strings.NewReader(strings.Join(lines, "\n")), communityID)
}

func toMembers(specs []MemberSpec) []roster.Member {
	members := make([]roster.Member, len(specs))
	for i, m := range specs {
		members[i] = roster.Member{ID: roster.ParticipantID(m.ID), DisplayName: m.Name, Bot: m.Bot}
	}
	return members
}

// Run executes a scenario and evaluates its assertions.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		store:    st,
		registry: community.NewRegistry(),
		members:  testutil.NewStaticMembers(),
		catalogs: &lineCatalogs{lines: make(map[string][]string)},
		sink:     &feed.Recorder{},
		clock:    testutil.NewDeterministicClock(),
	}

	for _, id := range scenario.CommunityIDs() {
		fx := scenario.Communities[id]
		h.catalogs.set(id, fx.Challenges)
		h.members.Set(id, toMembers(fx.Members)...)

		seed := ledger.New()
		for _, s := range fx.Solves {
			seed.Record(roster.ParticipantID(s.Participant), challenge.Normalize(s.Challenge))
		}
		if _, err := st.SaveSolves(ctx, id, seed); err != nil {
			return nil, fmt.Errorf("seed solves of %s: %w", id, err)
		}
	}

	strategy, err := reconcile.ParseStrategy(scenario.Strategy)
	if err != nil {
		return nil, err
	}
	rec := &reconcile.Reconciler{
		Catalogs: h.catalogs,
		Members:  h.members,
		Ledger:   st,
		Strategy: strategy,
		Logger:   logger,
	}
	if _, err := rec.ReconcileAll(ctx, h.registry, scenario.CommunityIDs()); err != nil {
		return nil, fmt.Errorf("startup reconciliation: %w", err)
	}

	h.engine = engine.New(h.registry, rec, st,
		engine.WithSink(h.sink),
		engine.WithLogger(logger),
		engine.WithFlowTokens(testutil.NewFixedTokenGenerator(scenario.FlowToken)),
	)

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}
	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	seq := h.clock.Next()

	switch step.Action {
	case ActionSetMembers:
		h.members.Set(step.Community, toMembers(step.Members)...)
		result.Trace = append(result.Trace, TraceEvent{Seq: seq, Action: step.Action, CommunityID: step.Community})
		return
	case ActionSetChallenges:
		h.catalogs.set(step.Community, step.Challenges)
		result.Trace = append(result.Trace, TraceEvent{Seq: seq, Action: step.Action, CommunityID: step.Community})
		return
	}

	typ, _ := engine.ParseEventType(step.Action)
	ev := engine.Event{Type: typ, CommunityID: step.Community, Seq: seq}
	switch typ {
	case engine.EventJoin, engine.EventLeave:
		ev.Member = roster.Member{ID: roster.ParticipantID(step.Participant), DisplayName: step.Name, Bot: step.Bot}
	case engine.EventSubmit:
		ev.Participant = roster.ParticipantID(step.Participant)
		ev.Text = step.Text
		ev.Scoped = step.Scoped
	}

	h.sink.Reset()
	res := h.engine.Process(ctx, ev)
	result.Outcomes = append(result.Outcomes, res.Outcome)

	te := TraceEvent{
		Seq:         res.Seq,
		Action:      step.Action,
		CommunityID: res.CommunityID,
		Participant: string(res.Participant),
		Outcome:     string(res.Outcome),
		Challenge:   res.Challenge,
		Points:      res.Points,
		Response:    res.Response,
	}
	for _, m := range h.sink.Messages() {
		if m.Kind != feed.KindReply {
			te.Published = append(te.Published, string(m.Kind))
		}
	}
	result.Trace = append(result.Trace, te)

	if step.Expect == nil {
		return
	}
	if string(res.Outcome) != step.Expect.Outcome {
		result.AddError(fmt.Sprintf("steps[%d]: outcome = %s, want %s", i, res.Outcome, step.Expect.Outcome))
	}
	if step.Expect.Points != nil && res.Points != *step.Expect.Points {
		result.AddError(fmt.Sprintf("steps[%d]: points = %d, want %d", i, res.Points, *step.Expect.Points))
	}
	if step.Expect.Response != "" && res.Response != step.Expect.Response {
		result.AddError(fmt.Sprintf("steps[%d]: response = %q, want %q", i, res.Response, step.Expect.Response))
	}
}
