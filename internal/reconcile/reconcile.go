package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/roster"
)

// Strategy selects how reconciliation treats departed members and removed
// challenges.
type Strategy string

const (
	// StrategyPreserve is the non-destructive roster sync.
	StrategyPreserve Strategy = "preserve"
	// StrategyPrune evicts departed members and deletes stale solves.
	StrategyPrune Strategy = "prune"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPreserve, StrategyPrune:
		return Strategy(s), nil
	case "":
		return StrategyPreserve, nil
	default:
		return "", fmt.Errorf("unknown reconcile strategy %q (want %q or %q)", s, StrategyPreserve, StrategyPrune)
	}
}

// LedgerStore is the durable solve store contract.
type LedgerStore interface {
	LoadSolves(ctx context.Context, communityID string) (*ledger.Ledger, error)
	SaveSolves(ctx context.Context, communityID string, l *ledger.Ledger) (int64, error)
	PruneSolves(ctx context.Context, communityID string, participants []roster.ParticipantID, challenges []challenge.Identity) (int64, error)
}

// Snapshotter persists whole community state.
type Snapshotter interface {
	Save(ctx context.Context, st *community.State) error
}

// CatalogSource loads the challenge definitions of a community.
type CatalogSource interface {
	LoadCatalog(communityID string) (*challenge.Catalog, []challenge.ParseWarning, error)
}

// DirCatalogSource reads "<Dir>/<community id>".
type DirCatalogSource struct {
	Dir string
}

// LoadCatalog implements CatalogSource.
func (d DirCatalogSource) LoadCatalog(communityID string) (*challenge.Catalog, []challenge.ParseWarning, error) {
	if communityID == "" || communityID == "." || communityID == ".." || filepath.Base(communityID) != communityID {
		return nil, nil, fmt.Errorf("invalid community id %q", communityID)
	}
	return challenge.LoadFile(filepath.Join(d.Dir, communityID))
}

// Report summarizes one reconciliation run.
type Report struct {
	CommunityID string
	Strategy    Strategy
	Challenges  int
	Warnings    []challenge.ParseWarning

	Added        []roster.ParticipantID
	Removed      []roster.ParticipantID
	Participants int
	// RosterStale is set when the live membership could not be read and the
	// tracked roster was kept as is.
	RosterStale bool

	Solves int
	Pruned int64
	Saved  int64
}

// Reconciler runs reconciliation for communities.
type Reconciler struct {
	Catalogs  CatalogSource
	Members   roster.MembershipSource
	Ledger    LedgerStore
	Snapshots Snapshotter // optional
	Strategy  Strategy
	// Timeout bounds the storage round trips of one run. Zero means none.
	Timeout time.Duration
	// Parallelism bounds ReconcileAll. Zero means DefaultParallelism.
	Parallelism int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reconciler) strategy() Strategy {
	if r.Strategy == "" {
		return StrategyPreserve
	}
	return r.Strategy
}

// Reconcile brings st into a consistent state. The caller must hold the
// state lock.
func (r *Reconciler) Reconcile(ctx context.Context, st *community.State) (rep Report, err error) {
	start := time.Now()
	strategy := r.strategy()
	log := r.logger().With("community_id", st.ID, "strategy", string(strategy))
	defer func() {
		r.Metrics.Reconciled(st.ID, string(strategy), time.Since(start), err)
	}()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	rep = Report{CommunityID: st.ID, Strategy: strategy}

	// 1. Catalog
	st.Catalog = r.loadCatalog(st.ID, log, &rep)
	rep.Challenges = st.Catalog.Len()

	// 2. Roster
	live, memberErr := r.Members.ListMembers(ctx, st.ID)
	if memberErr != nil {
		rep.RosterStale = true
		log.Error("membership unavailable, keeping tracked roster", "error", memberErr)
	} else {
		rep.Added, rep.Removed = st.Roster.Sync(live, strategy == StrategyPrune)
	}
	rep.Participants = st.Roster.Len()

	if strategy == StrategyPrune {
		if err := r.prune(ctx, st, log, &rep); err != nil {
			return rep, err
		}
	}

	// 3. Ledger
	stored, err := r.Ledger.LoadSolves(ctx, st.ID)
	if err != nil {
		r.Metrics.PersistenceError("load")
		log.Error("failed to load ledger", "error", err)
		return rep, asPersistenceError("load", st.ID, err)
	}
	// Unsaved in-memory solves survive the reload.
	stored.Merge(st.Ledger)
	st.Ledger = stored
	rep.Solves = st.Ledger.Len()

	// 4. Scoreboard
	st.Recompute()
	r.Metrics.CommunitySize(st.ID, st.Roster.Len(), st.Catalog.Len())

	// 5. Persist
	if err := r.persist(ctx, st, log, &rep); err != nil {
		return rep, err
	}

	log.Info("community reconciled",
		"challenges", rep.Challenges,
		"participants", rep.Participants,
		"added", len(rep.Added),
		"removed", len(rep.Removed),
		"solves", rep.Solves,
		"pruned", rep.Pruned,
		"duration", time.Since(start),
	)
	return rep, nil
}

func (r *Reconciler) loadCatalog(communityID string, log *slog.Logger, rep *Report) *challenge.Catalog {
	cat, warnings, err := r.Catalogs.LoadCatalog(communityID)
	for _, w := range warnings {
		log.Warn("skipped challenge definition", "source", w.Source, "line", w.Line, "reason", w.Reason)
	}
	rep.Warnings = warnings
	r.Metrics.CatalogWarnings(communityID, len(warnings))
	if err != nil {
		log.Warn("challenge definitions unreadable, using empty catalog", "error", err)
		return challenge.Empty()
	}
	return cat
}

// prune deletes solves of evicted participants and removed challenges,
// both durably and in memory.
func (r *Reconciler) prune(ctx context.Context, st *community.State, log *slog.Logger, rep *Report) error {
	switch {
	case rep.RosterStale:
		log.Warn("skipping prune: membership unavailable")
		return nil
	case st.Roster.Len() == 0:
		log.Warn("skipping prune: roster is empty")
		return nil
	case st.Catalog.Len() == 0:
		log.Warn("skipping prune: catalog is empty")
		return nil
	}

	participants := st.Roster.IDs()
	identities := st.Catalog.Identities()

	n, err := r.Ledger.PruneSolves(ctx, st.ID, participants, identities)
	if err != nil {
		r.Metrics.PersistenceError("prune")
		log.Error("failed to prune ledger", "error", err)
		return asPersistenceError("prune", st.ID, err)
	}

	st.Ledger.Prune(func(e ledger.Entry) bool {
		_, ok := st.Catalog.Resolve(e.Challenge)
		return ok && st.Roster.Contains(e.Participant)
	})

	rep.Pruned = n
	r.Metrics.Pruned(st.ID, n)
	if n > 0 {
		log.Warn("pruned solve records", "deleted", n, "participants_kept", len(participants), "challenges_kept", len(identities))
	}
	return nil
}

func (r *Reconciler) persist(ctx context.Context, st *community.State, log *slog.Logger, rep *Report) error {
	saved, err := r.Ledger.SaveSolves(ctx, st.ID, st.Ledger)
	if err != nil {
		st.Dirty = true
		r.Metrics.PersistenceError("save")
		log.Error("failed to save ledger", "error", err)
		return &SaveError{Err: asPersistenceError("save", st.ID, err)}
	}
	rep.Saved = saved

	if r.Snapshots != nil {
		if err := r.Snapshots.Save(ctx, st); err != nil {
			st.Dirty = true
			r.Metrics.PersistenceError("snapshot")
			log.Error("failed to save snapshot", "error", err)
			return &SaveError{Err: asPersistenceError("snapshot", st.ID, err)}
		}
	}

	st.Dirty = false
	return nil
}

// SaveError reports a run that completed in memory but could not be
// persisted. The state is usable and marked dirty.
type SaveError struct {
	Err error
}

func (e *SaveError) Error() string {
	return "reconciled state not saved: " + e.Err.Error()
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// IsSaveError reports whether err is a SaveError.
func IsSaveError(err error) bool {
	var se *SaveError
	return errors.As(err, &se)
}

func asPersistenceError(op, communityID string, err error) error {
	if community.IsPersistenceError(err) {
		return err
	}
	return &community.PersistenceError{Op: op, CommunityID: communityID, Err: err}
}
