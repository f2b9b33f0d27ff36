package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
)

// flakyLedger fails the first failures saves and counts the rest.
type flakyLedger struct {
	failures int
	saved    map[string]int
}

func (f *flakyLedger) LoadSolves(ctx context.Context, id string) (*ledger.Ledger, error) {
	return ledger.New(), nil
}

func (f *flakyLedger) SaveSolves(ctx context.Context, id string, l *ledger.Ledger) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, &community.PersistenceError{Op: "save", CommunityID: id, Err: errors.New("disk full")}
	}
	if f.saved == nil {
		f.saved = make(map[string]int)
	}
	f.saved[id]++
	return int64(l.Len()), nil
}

func (f *flakyLedger) PruneSolves(ctx context.Context, id string, _ []roster.ParticipantID, _ []challenge.Identity) (int64, error) {
	return 0, nil
}

func (f *flakyLedger) RecordSolve(ctx context.Context, id string, _ roster.ParticipantID, _ challenge.Identity) (bool, error) {
	return true, nil
}

func TestFlushDirty(t *testing.T) {
	reg := community.NewRegistry()
	dirty, _ := reg.Ensure("guild")
	dirty.Ledger.Record("alice", "warmup")
	dirty.Dirty = true
	reg.Ensure("quiet")

	led := &flakyLedger{failures: 1}
	a := &app{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ledger:   led,
		registry: reg,
	}

	err := flushDirty(a)
	require.Error(t, err)
	assert.True(t, community.IsPersistenceError(err))
	assert.True(t, dirty.Dirty, "unsaved community stays dirty")

	require.NoError(t, flushDirty(a))
	assert.False(t, dirty.Dirty)
	assert.Equal(t, map[string]int{"guild": 1}, led.saved, "clean communities are not rewritten")
}
