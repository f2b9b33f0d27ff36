package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/reconcile"
	"github.com/roach88/ctfboard/internal/roster"
)

// SolveStore persists solves as they happen.
type SolveStore interface {
	RecordSolve(ctx context.Context, communityID string, p roster.ParticipantID, id challenge.Identity) (bool, error)
	SaveSolves(ctx context.Context, communityID string, l *ledger.Ledger) (int64, error)
}

// DefaultPersistTimeout bounds each storage round trip made by the loop.
const DefaultPersistTimeout = 10 * time.Second

// Engine is the single-writer event loop.
//
// Enqueue and Dispatch are safe from any goroutine. Run must be called
// from exactly one goroutine; it is the only place community state is
// mutated once the engine is running.
type Engine struct {
	registry   *community.Registry
	reconciler *reconcile.Reconciler
	solves     SolveStore
	sink       feed.Sink
	clock      *Clock
	queue      *eventQueue
	tokens     FlowTokenGenerator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	persistTimeout time.Duration
	evictOnLeave   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where replies and board updates go. Default: feed.Discard.
func WithSink(s feed.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock sets the sequence clock.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithFlowTokens sets the flow token generator. Default: UUIDv7Generator.
func WithFlowTokens(g FlowTokenGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPersistTimeout bounds each storage round trip. Zero disables the
// bound.
func WithPersistTimeout(d time.Duration) Option {
	return func(e *Engine) { e.persistTimeout = d }
}

// WithEvictOnLeave controls whether a leave event removes the member from
// the roster and scoreboard. It defaults to true under the prune strategy.
// Solve records are only ever deleted by reconciliation.
func WithEvictOnLeave(evict bool) Option {
	return func(e *Engine) { e.evictOnLeave = evict }
}

// New creates an engine over reg. rec runs first-contact and reload
// reconciliation; solves receives each accepted solve.
func New(reg *community.Registry, rec *reconcile.Reconciler, solves SolveStore, opts ...Option) *Engine {
	e := &Engine{
		registry:       reg,
		reconciler:     rec,
		solves:         solves,
		sink:           feed.Discard{},
		clock:          NewClock(),
		queue:          newEventQueue(),
		tokens:         UUIDv7Generator{},
		logger:         slog.Default(),
		persistTimeout: DefaultPersistTimeout,
		evictOnLeave:   rec != nil && rec.Strategy == reconcile.StrategyPrune,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue stamps ev and queues it. Returns false once the engine stopped.
func (e *Engine) Enqueue(ev Event) bool {
	if ev.FlowToken == "" {
		ev.FlowToken = e.tokens.Generate()
	}
	ev.Seq = e.clock.Next()
	ok := e.queue.Enqueue(ev)
	e.metrics.QueueDepth(e.queue.Len())
	return ok
}

// Dispatch queues ev and waits for its result.
func (e *Engine) Dispatch(ctx context.Context, ev Event) (Result, error) {
	reply := make(chan Result, 1)
	ev.reply = reply
	if !e.Enqueue(ev) {
		return Result{}, ErrStopped
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-reply:
		return res, nil
	}
}

// Run processes events until ctx is cancelled or Stop is called. After
// Stop, queued events are drained before Run returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "communities", len(e.registry.IDs()))

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.metrics.QueueDepth(e.queue.Len())
			e.handle(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Drained() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop stops accepting events. Run returns once the queue is drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Process handles ev synchronously on the calling goroutine. It is meant
// for one-shot tools and tests that do not run the loop; it must not be
// mixed with a running loop.
func (e *Engine) Process(ctx context.Context, ev Event) Result {
	if ev.FlowToken == "" {
		ev.FlowToken = e.tokens.Generate()
	}
	if ev.Seq == 0 {
		ev.Seq = e.clock.Next()
	}
	return e.process(ctx, ev)
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	res := e.process(ctx, ev)
	if ev.reply != nil {
		ev.reply <- res
	}
}

func (e *Engine) process(ctx context.Context, ev Event) Result {
	log := e.logger.With(
		"flow_token", ev.FlowToken,
		"seq", ev.Seq,
		"event", ev.Type.String(),
	)
	// Unscoped submissions name their community in the text; submit adds
	// the key once the answer is parsed.
	if ev.Type != EventSubmit || ev.Scoped {
		log = log.With("community_id", ev.CommunityID)
	}

	var (
		res Result
		err error
	)
	switch ev.Type {
	case EventJoin:
		res, err = e.join(ctx, ev, log)
	case EventLeave:
		res, err = e.leave(ctx, ev, log)
	case EventSubmit:
		res = e.submit(ctx, ev, log)
		e.metrics.Submission(e.submissionLabel(res), string(res.Outcome))
	case EventReload:
		res, err = e.reload(ctx, ev, log)
	default:
		res, err = newResult(ev), invalidEvent(ev, "unknown event type %d", int(ev.Type))
	}

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		log.Error("event processing failed", "error", err)
	}

	if res.Response != "" {
		e.send(ctx, feed.Message{
			Kind:        feed.KindReply,
			CommunityID: res.CommunityID,
			Participant: res.Participant,
			FlowToken:   res.FlowToken,
			Text:        res.Response,
		}, log)
	}
	if res.board != nil {
		e.publishBoard(ctx, res.board, res.FlowToken, log)
	}
	return res
}

// submissionLabel is the metrics label of a submission. Community ids
// typed by users only become labels once the community is registered.
func (e *Engine) submissionLabel(res Result) string {
	switch res.Outcome {
	case OutcomeFormatError, OutcomeUnknownCommunity:
		return ""
	}
	if _, ok := e.registry.Get(res.CommunityID); !ok {
		return ""
	}
	return res.CommunityID
}

// ensure returns the community state, reconciling it on first contact.
func (e *Engine) ensure(ctx context.Context, ev Event, log *slog.Logger) (st *community.State, created bool, err error) {
	st, created = e.registry.Ensure(ev.CommunityID)
	if !created {
		return st, false, nil
	}
	log.Info("new community")
	if e.reconciler == nil {
		return st, true, nil
	}

	st.Lock()
	defer st.Unlock()
	_, err = e.reconciler.Reconcile(ctx, st)
	switch {
	case err == nil:
	case reconcile.IsSaveError(err):
		log.Warn("community reconciled but not saved", "error", err)
	default:
		// Never serve empty state over data that could not be loaded.
		e.registry.Remove(st.ID)
		return nil, true, &RuntimeError{Code: ErrCodeReconcileFailed, Message: "first contact", FlowToken: ev.FlowToken, CommunityID: ev.CommunityID, Err: err}
	}
	return st, true, nil
}

func (e *Engine) join(ctx context.Context, ev Event, log *slog.Logger) (Result, error) {
	res := newResult(ev)
	if ev.CommunityID == "" || ev.Member.ID == "" {
		return res, invalidEvent(ev, "join requires community and member id")
	}
	st, created, err := e.ensure(ctx, ev, log)
	if err != nil {
		return res, err
	}

	st.Lock()
	defer st.Unlock()

	added := st.Roster.Add(ev.Member)
	// First-contact reconciliation may already have synced the member in.
	if !added && !(created && st.Roster.Contains(ev.Member.ID)) {
		res.Outcome = OutcomeIgnored
		log.Debug("join ignored", "participant", ev.Member.ID, "bot", ev.Member.Bot)
		return res, nil
	}
	// A returning member keeps the solves still in the ledger.
	st.Recompute()
	res.Outcome = OutcomeJoined
	log.Info("participant joined", "participant", ev.Member.ID)

	if err := e.save(ctx, st, log); err != nil {
		res.Err = err
	}
	res.board = st
	return res, nil
}

func (e *Engine) leave(ctx context.Context, ev Event, log *slog.Logger) (Result, error) {
	res := newResult(ev)
	if ev.CommunityID == "" || ev.Member.ID == "" {
		return res, invalidEvent(ev, "leave requires community and member id")
	}
	st, ok := e.registry.Get(ev.CommunityID)
	if !ok || !e.evictOnLeave {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	st.Lock()
	defer st.Unlock()

	if !st.Roster.Remove(ev.Member.ID) {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	st.Board.RemoveParticipant(ev.Member.ID)
	res.Outcome = OutcomeLeft
	log.Info("participant left", "participant", ev.Member.ID)

	if err := e.save(ctx, st, log); err != nil {
		res.Err = err
	}
	res.board = st
	return res, nil
}

func (e *Engine) submit(ctx context.Context, ev Event, log *slog.Logger) Result {
	res := newResult(ev)

	sub, err := community.ParseSubmission(ev.Text, ev.Scoped)
	if err != nil {
		var fe *community.FormatError
		errors.As(err, &fe)
		res.Outcome = OutcomeFormatError
		res.Response = fe.Hint()
		res.Err = err
		log.Debug("malformed submission", "participant", ev.Participant, "reason", fe.Reason)
		return res
	}
	if !ev.Scoped {
		res.CommunityID = sub.CommunityID
		log = log.With("community_id", sub.CommunityID)
	}

	st, ok := e.registry.Get(res.CommunityID)
	if !ok {
		res.Outcome = OutcomeUnknownCommunity
		res.Response = feed.UnknownEvent
		res.Err = fmt.Errorf("%w: %q", community.ErrUnknownCommunity, res.CommunityID)
		log.Info("submission for unknown community", "participant", ev.Participant)
		return res
	}

	st.Lock()
	defer st.Unlock()

	if !st.Roster.Contains(ev.Participant) {
		res.Outcome = OutcomeNotParticipant
		res.Response = feed.NotParticipant
		res.Err = community.ErrNotParticipant
		log.Info("submission from non-participant", "participant", ev.Participant)
		return res
	}

	ch, ok := challenge.Verify(st.Catalog, sub.Name, sub.Flag)
	if !ok {
		res.Outcome = OutcomeIncorrect
		res.Response = feed.IncorrectFlag
		log.Info("incorrect flag", "participant", ev.Participant, "challenge", sub.Name)
		return res
	}
	res.Challenge = ch.Name

	if !st.Ledger.RecordSolve(ev.Participant, ch) {
		res.Outcome = OutcomeAlreadySolved
		res.Response = feed.AlreadySolved
		log.Info("challenge already solved", "participant", ev.Participant, "challenge", ch.Name)
		return res
	}
	if err := st.Board.Bump(ev.Participant, ch.Reward); err != nil {
		st.Recompute()
	}

	res.Outcome = OutcomeCorrect
	res.Points = ch.Reward
	res.Response = feed.Correct(ch.Reward)
	log.Info("challenge solved", "participant", ev.Participant, "challenge", ch.Name, "points", ch.Reward)

	// The solve stands in memory either way; the caller sees the failed write.
	if err := e.persistSolve(ctx, st, ev.Participant, ch.ID(), log); err != nil {
		res.Err = err
	}
	res.board = st
	return res
}

func (e *Engine) reload(ctx context.Context, ev Event, log *slog.Logger) (Result, error) {
	res := newResult(ev)
	if ev.CommunityID == "" {
		return res, invalidEvent(ev, "reload requires community id")
	}
	if e.reconciler == nil {
		return res, invalidEvent(ev, "reload without reconciler")
	}
	st, created := e.registry.Ensure(ev.CommunityID)
	if created {
		log.Info("new community")
	}

	st.Lock()
	defer st.Unlock()

	rep, err := e.reconciler.Reconcile(ctx, st)
	if err != nil && !reconcile.IsSaveError(err) {
		if created {
			e.registry.Remove(st.ID)
		}
		return res, &RuntimeError{Code: ErrCodeReconcileFailed, Message: "reload", FlowToken: ev.FlowToken, CommunityID: ev.CommunityID, Err: err}
	}
	if err != nil {
		log.Warn("community reloaded but not saved", "error", err)
	}
	res.Outcome = OutcomeReloaded
	log.Info("community reloaded", "challenges", rep.Challenges, "participants", rep.Participants)

	e.send(ctx, feed.Message{
		Kind:        feed.KindChallenges,
		CommunityID: st.ID,
		FlowToken:   ev.FlowToken,
		Text:        feed.FormatChallenges(st.Catalog.Challenges()),
	}, log)
	res.board = st
	return res, nil
}

func (e *Engine) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.persistTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.persistTimeout)
}

// persistSolve writes one solve. A dirty community has its whole ledger
// saved instead, which also retries earlier failed writes.
func (e *Engine) persistSolve(ctx context.Context, st *community.State, p roster.ParticipantID, id challenge.Identity, log *slog.Logger) error {
	if e.solves == nil {
		return nil
	}
	if st.Dirty {
		return e.save(ctx, st, log)
	}

	pctx, cancel := e.persistContext(ctx)
	defer cancel()
	if _, err := e.solves.RecordSolve(pctx, st.ID, p, id); err != nil {
		st.Dirty = true
		e.metrics.PersistenceError("record")
		log.Error("failed to persist solve", "participant", p, "challenge", id, "error", err)
		return asPersistenceError("record", st.ID, err)
	}
	return e.saveSnapshot(pctx, st, log)
}

// save flushes a dirty ledger and refreshes the snapshot.
func (e *Engine) save(ctx context.Context, st *community.State, log *slog.Logger) error {
	pctx, cancel := e.persistContext(ctx)
	defer cancel()

	if st.Dirty && e.solves != nil {
		if _, err := e.solves.SaveSolves(pctx, st.ID, st.Ledger); err != nil {
			e.metrics.PersistenceError("save")
			log.Error("failed to save ledger", "error", err)
			return asPersistenceError("save", st.ID, err)
		}
		st.Dirty = false
		log.Info("dirty ledger saved")
	}
	return e.saveSnapshot(pctx, st, log)
}

func (e *Engine) saveSnapshot(ctx context.Context, st *community.State, log *slog.Logger) error {
	if e.reconciler == nil || e.reconciler.Snapshots == nil {
		return nil
	}
	if err := e.reconciler.Snapshots.Save(ctx, st); err != nil {
		st.Dirty = true
		e.metrics.PersistenceError("snapshot")
		log.Error("failed to save snapshot", "error", err)
		return asPersistenceError("snapshot save", st.ID, err)
	}
	return nil
}

// asPersistenceError keeps a store's PersistenceError and wraps anything
// else in one.
func asPersistenceError(op, communityID string, err error) error {
	if community.IsPersistenceError(err) {
		return err
	}
	return &community.PersistenceError{Op: op, CommunityID: communityID, Err: err}
}

func (e *Engine) publishBoard(ctx context.Context, st *community.State, flowToken string, log *slog.Logger) {
	st.Lock()
	text := feed.FormatBoard(st.Board.Render(st.Roster))
	st.Unlock()

	e.send(ctx, feed.Message{
		Kind:        feed.KindScoreboard,
		CommunityID: st.ID,
		FlowToken:   flowToken,
		Text:        text,
	}, log)
}

func (e *Engine) send(ctx context.Context, m feed.Message, log *slog.Logger) {
	if err := e.sink.Send(ctx, m); err != nil {
		log.Warn("failed to deliver message", "kind", string(m.Kind), "error", err)
	}
}
