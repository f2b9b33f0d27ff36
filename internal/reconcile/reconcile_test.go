package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/snapshot"
	"github.com/roach88/ctfboard/internal/store"
	"github.com/roach88/ctfboard/internal/testutil"
)

var (
	warmup = challenge.Challenge{Flag: "FLAG{x}", Name: "Warmup", Reward: 50}
	heap   = challenge.Challenge{Flag: "FLAG{h}", Name: "Heap", Category: "pwn", Difficulty: 3, Reward: 300}
	alice  = roster.Member{ID: "alice", DisplayName: "Alice"}
	bob    = roster.Member{ID: "bob", DisplayName: "Bob"}
)

type fixture struct {
	store    *store.Store
	members  *testutil.StaticMembers
	catalogs *testutil.StaticCatalogs
	r        *Reconciler
}

func newFixture(t *testing.T, strategy Strategy) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "solves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		members:  testutil.NewStaticMembers(),
		catalogs: testutil.NewStaticCatalogs(),
	}
	f.r = &Reconciler{
		Catalogs: f.catalogs,
		Members:  f.members,
		Ledger:   s,
		Strategy: strategy,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}
	return f
}

func (f *fixture) seed(t *testing.T, communityID string, entries ...ledger.Entry) {
	t.Helper()
	l := ledger.New()
	for _, e := range entries {
		l.Record(e.Participant, e.Challenge)
	}
	_, err := f.store.SaveSolves(context.Background(), communityID, l)
	require.NoError(t, err)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("prune")
	require.NoError(t, err)
	assert.Equal(t, StrategyPrune, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyPreserve, s)

	_, err = ParseStrategy("wipe")
	assert.Error(t, err)
}

func TestReconcile_HydratesScoreboardFromStore(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("guild", warmup, heap)
	f.members.Set("guild", alice, bob)
	f.seed(t, "guild",
		ledger.Entry{Participant: "alice", Challenge: "warmup"},
		ledger.Entry{Participant: "alice", Challenge: "heap"},
		ledger.Entry{Participant: "bob", Challenge: "warmup"},
	)

	st := community.NewState("guild")
	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Challenges)
	assert.Equal(t, []roster.ParticipantID{"alice", "bob"}, rep.Added)
	assert.Equal(t, 3, rep.Solves)
	assert.False(t, st.Dirty)

	score, _ := st.Board.Score("alice")
	assert.Equal(t, 350, score)
	score, _ = st.Board.Score("bob")
	assert.Equal(t, 50, score)
}

func TestReconcile_PreserveKeepsDepartedHistory(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("guild", warmup)
	f.members.Set("guild", alice, bob)

	st := community.NewState("guild")
	_, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)
	st.Ledger.Record("bob", "warmup")

	// bob leaves; preserve never removes him or his solves.
	f.members.Set("guild", alice)
	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)

	assert.Empty(t, rep.Removed)
	assert.True(t, st.Roster.Contains("bob"))
	assert.True(t, st.Ledger.Has("bob", "warmup"))

	n, err := f.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcile_PruneDeletesDepartedAndRemovedChallenges(t *testing.T) {
	f := newFixture(t, StrategyPrune)
	f.catalogs.Set("guild", warmup)
	f.members.Set("guild", alice)
	f.seed(t, "guild",
		ledger.Entry{Participant: "alice", Challenge: "warmup"},
		ledger.Entry{Participant: "alice", Challenge: "retired"},
		ledger.Entry{Participant: "carol", Challenge: "warmup"},
	)

	st := community.NewState("guild")
	st.Roster.Add(roster.Member{ID: "carol"})

	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, []roster.ParticipantID{"carol"}, rep.Removed)
	assert.Equal(t, int64(2), rep.Pruned)
	assert.False(t, st.Roster.Contains("carol"))
	assert.Equal(t, []challenge.Identity{"warmup"}, st.Ledger.SolvesOf("alice"))
	assert.Empty(t, st.Ledger.SolvesOf("carol"))

	got, err := f.store.LoadSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, []ledger.Entry{{Participant: "alice", Challenge: "warmup"}}, got.Entries())
}

func TestReconcile_PruneSkippedWhenMembershipUnavailable(t *testing.T) {
	f := newFixture(t, StrategyPrune)
	f.catalogs.Set("guild", warmup)
	f.members.Fail(true)
	f.seed(t, "guild", ledger.Entry{Participant: "carol", Challenge: "warmup"})

	st := community.NewState("guild")
	st.Roster.Add(alice)

	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)

	assert.True(t, rep.RosterStale)
	assert.Zero(t, rep.Pruned)
	assert.True(t, st.Roster.Contains("alice"))

	n, err := f.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcile_PruneSkippedForEmptyCatalog(t *testing.T) {
	f := newFixture(t, StrategyPrune)
	f.members.Set("guild", alice)
	f.seed(t, "guild", ledger.Entry{Participant: "alice", Challenge: "warmup"})

	rep, err := f.r.Reconcile(context.Background(), community.NewState("guild"))
	require.NoError(t, err)
	assert.Zero(t, rep.Pruned)

	n, err := f.store.CountSolves(context.Background(), "guild")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcile_CatalogFailureDegradesToEmpty(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Fail(true)
	f.members.Set("guild", alice)
	f.seed(t, "guild", ledger.Entry{Participant: "alice", Challenge: "warmup"})

	st := community.NewState("guild")
	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)

	assert.Zero(t, rep.Challenges)
	// The solve survives even though it scores nothing now.
	assert.True(t, st.Ledger.Has("alice", "warmup"))
	score, ok := st.Board.Score("alice")
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestReconcile_UnsavedSolvesArePersisted(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("guild", warmup)
	f.members.Set("guild", alice)

	st := community.NewState("guild")
	st.Ledger.Record("alice", "warmup")
	st.Dirty = true

	rep, err := f.r.Reconcile(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Saved)
	assert.False(t, st.Dirty)
}

func TestReconcile_LoadFailureIsPersistenceError(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.members.Set("guild", alice)
	require.NoError(t, f.store.Close())

	_, err := f.r.Reconcile(context.Background(), community.NewState("guild"))
	require.Error(t, err)

	var pe *community.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "load", pe.Op)
	assert.False(t, IsSaveError(err))
	assert.Equal(t, "guild", pe.CommunityID)
}

type failingSave struct {
	LedgerStore
}

func (failingSave) SaveSolves(context.Context, string, *ledger.Ledger) (int64, error) {
	return 0, errors.New("disk full")
}

func TestReconcile_SaveFailureMarksDirty(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("guild", warmup)
	f.members.Set("guild", alice)
	f.r.Ledger = failingSave{LedgerStore: f.store}

	st := community.NewState("guild")
	st.Ledger.Record("alice", "warmup")

	_, err := f.r.Reconcile(context.Background(), st)
	require.Error(t, err)
	assert.True(t, community.IsPersistenceError(err))
	assert.True(t, IsSaveError(err))
	assert.True(t, st.Dirty)

	// In-memory state stays authoritative.
	score, _ := st.Board.Score("alice")
	assert.Equal(t, 50, score)
}

func TestReconcile_WritesSnapshot(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("guild", warmup)
	f.members.Set("guild", alice)
	f.seed(t, "guild", ledger.Entry{Participant: "alice", Challenge: "warmup"})

	snaps, err := snapshot.Open(snapshot.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })
	f.r.Snapshots = snaps

	_, err = f.r.Reconcile(context.Background(), community.NewState("guild"))
	require.NoError(t, err)

	rec, found, err := snaps.Load(context.Background(), "guild")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"warmup"}, rec.Solves["alice"])
	assert.Equal(t, 50, rec.Scores["alice"])
}

func TestReconcileAll_DiscoversCommunities(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("a", warmup)
	f.catalogs.Set("b", heap)
	f.members.Set("a", alice)
	f.members.Set("b", bob)

	reg := community.NewRegistry()
	reg.Ensure("c")

	ids, err := f.r.Communities(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	reports, err := f.r.ReconcileAll(context.Background(), reg, ids)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "a", reports[0].CommunityID)
	assert.Equal(t, "c", reports[2].CommunityID)

	st, ok := reg.Get("b")
	require.True(t, ok)
	assert.True(t, st.Roster.Contains("bob"))
	assert.Equal(t, 1, st.Catalog.Len())
}

type failingLoad struct {
	LedgerStore
}

func (failingLoad) LoadSolves(context.Context, string) (*ledger.Ledger, error) {
	return nil, &community.PersistenceError{Op: "load", Err: errors.New("connection refused")}
}

func TestReconcileAll_KeepsUnsavedCommunities(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.catalogs.Set("a", warmup)
	f.members.Set("a", alice)
	f.r.Ledger = failingSave{LedgerStore: f.store}

	reg := community.NewRegistry()
	reports, err := f.r.ReconcileAll(context.Background(), reg, []string{"a"})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	st, ok := reg.Get("a")
	require.True(t, ok)
	assert.True(t, st.Dirty)
}

func TestReconcileAll_DropsUnloadableCommunities(t *testing.T) {
	f := newFixture(t, StrategyPreserve)
	f.members.Set("a", alice)
	f.r.Ledger = failingLoad{LedgerStore: f.store}

	reg := community.NewRegistry()
	_, err := f.r.ReconcileAll(context.Background(), reg, []string{"a"})
	require.Error(t, err)
	assert.True(t, community.IsPersistenceError(err))

	_, ok := reg.Get("a")
	assert.False(t, ok)
}

func TestDirCatalogSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guild"),
		[]byte("FLAG{x}|Warmup|misc|Say hi|1|50\nbroken line\n"), 0o644))

	src := DirCatalogSource{Dir: dir}
	cat, warnings, err := src.LoadCatalog("guild")
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Len())
	assert.Len(t, warnings, 1)

	cat, _, err = src.LoadCatalog("missing")
	require.NoError(t, err)
	assert.Zero(t, cat.Len())

	_, _, err = src.LoadCatalog("../etc")
	assert.Error(t, err)
}
