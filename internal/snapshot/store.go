package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
)

const keyPrefix = "community/"

// Config holds configuration for the snapshot database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store keeps one Record per community.
type Store struct {
	db *badger.DB
}

// Open opens the snapshot database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("snapshot path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(communityID string) []byte {
	return []byte(keyPrefix + communityID)
}

// Save replaces the record of s.ID with the current state. The caller must
// hold the state lock.
func (s *Store) Save(ctx context.Context, st *community.State) error {
	if err := ctx.Err(); err != nil {
		return &community.PersistenceError{Op: "snapshot save", CommunityID: st.ID, Err: err}
	}
	return s.Put(FromState(st))
}

// Put writes r, replacing any prior record for the same community.
func (s *Store) Put(r Record) error {
	data, err := Encode(r)
	if err != nil {
		return &community.PersistenceError{Op: "snapshot save", CommunityID: r.CommunityID, Err: err}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(r.CommunityID), data)
	})
	if err != nil {
		return &community.PersistenceError{Op: "snapshot save", CommunityID: r.CommunityID, Err: err}
	}
	return nil
}

// Load returns the record of a community. found is false if none exists.
func (s *Store) Load(ctx context.Context, communityID string) (r Record, found bool, err error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, &community.PersistenceError{Op: "snapshot load", CommunityID: communityID, Err: err}
	}
	err = s.db.View(func(txn *badger.Txn) error {
		var getErr error
		r, found, getErr = get(txn, communityID)
		return getErr
	})
	if err != nil {
		return Record{}, false, &community.PersistenceError{Op: "snapshot load", CommunityID: communityID, Err: err}
	}
	return r, found, nil
}

// Delete removes a community's record.
func (s *Store) Delete(ctx context.Context, communityID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(communityID))
	})
	if err != nil {
		return &community.PersistenceError{Op: "snapshot delete", CommunityID: communityID, Err: err}
	}
	return nil
}

// Communities lists community ids with a record.
func (s *Store) Communities(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, &community.PersistenceError{Op: "snapshot list", Err: err}
	}
	return ids, nil
}

func get(txn *badger.Txn, communityID string) (Record, bool, error) {
	item, err := txn.Get(key(communityID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var r Record
	err = item.Value(func(val []byte) error {
		var decErr error
		r, decErr = Decode(val)
		return decErr
	})
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// update applies fn to the community's record inside one transaction,
// creating an empty record if none exists.
func (s *Store) update(op, communityID string, fn func(r *Record) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		r, found, err := get(txn, communityID)
		if err != nil {
			return err
		}
		if !found {
			r = Record{Kind: Kind, SchemaVersion: SchemaVersion, CommunityID: communityID, Solves: map[string][]string{}}
		}
		if err := fn(&r); err != nil {
			return err
		}
		data, err := Encode(r)
		if err != nil {
			return err
		}
		return txn.Set(key(communityID), data)
	})
	if err != nil {
		return &community.PersistenceError{Op: op, CommunityID: communityID, Err: err}
	}
	return nil
}

// LoadSolves returns the ledger stored in the community's record. A missing
// record yields an empty ledger.
func (s *Store) LoadSolves(ctx context.Context, communityID string) (*ledger.Ledger, error) {
	r, found, err := s.Load(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if !found {
		return ledger.New(), nil
	}
	return r.Ledger(), nil
}

// SaveSolves merges l into the stored record and returns the number of new
// solves. Stored solves absent from l are kept.
func (s *Store) SaveSolves(ctx context.Context, communityID string, l *ledger.Ledger) (int64, error) {
	var added int
	err := s.update("snapshot save", communityID, func(r *Record) error {
		merged := r.Ledger()
		added = merged.Merge(l)
		r.Solves = solvesOf(merged)
		return nil
	})
	return int64(added), err
}

// RecordSolve adds one solve to the stored record.
func (s *Store) RecordSolve(ctx context.Context, communityID string, p roster.ParticipantID, id challenge.Identity) (bool, error) {
	var inserted bool
	err := s.update("snapshot record", communityID, func(r *Record) error {
		l := r.Ledger()
		inserted = l.Record(p, id)
		r.Solves = solvesOf(l)
		return nil
	})
	return inserted, err
}

// PruneSolves removes stored solves whose participant is not in
// participants or whose challenge is not in challenges. An empty list
// matches everything. Irreversible.
func (s *Store) PruneSolves(ctx context.Context, communityID string, participants []roster.ParticipantID, challenges []challenge.Identity) (int64, error) {
	keepP := make(map[roster.ParticipantID]struct{}, len(participants))
	for _, p := range participants {
		keepP[p] = struct{}{}
	}
	keepC := make(map[challenge.Identity]struct{}, len(challenges))
	for _, c := range challenges {
		keepC[c] = struct{}{}
	}

	var removed int
	err := s.update("snapshot prune", communityID, func(r *Record) error {
		l := r.Ledger()
		removed = l.Prune(func(e ledger.Entry) bool {
			_, okP := keepP[e.Participant]
			_, okC := keepC[e.Challenge]
			return okP && okC
		})
		r.Solves = solvesOf(l)
		return nil
	})
	return int64(removed), err
}
