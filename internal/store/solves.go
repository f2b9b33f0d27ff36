package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
)

func persistErr(op, communityID string, err error) error {
	return &community.PersistenceError{Op: op, CommunityID: communityID, Err: err}
}

// LoadSolves hydrates the ledger of a community.
func (s *Store) LoadSolves(ctx context.Context, communityID string) (*ledger.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT "user", challenge_name FROM solved_challenges
		WHERE community_id = ?
		ORDER BY "user", challenge_name
	`), communityID)
	if err != nil {
		return nil, persistErr("load", communityID, err)
	}
	defer rows.Close()

	l := ledger.New()
	for rows.Next() {
		var user, name string
		if err := rows.Scan(&user, &name); err != nil {
			return nil, persistErr("load", communityID, fmt.Errorf("scan: %w", err))
		}
		l.Record(roster.ParticipantID(user), challenge.Identity(name))
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load", communityID, err)
	}
	return l, nil
}

// SaveSolves upserts every solve of l and returns the number of new rows.
// Existing rows are never modified or removed.
func (s *Store) SaveSolves(ctx context.Context, communityID string, l *ledger.Ledger) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("save", communityID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO solved_challenges ("user", community_id, challenge_name)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`))
	if err != nil {
		return 0, persistErr("save", communityID, fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	var inserted int64
	for _, e := range l.Entries() {
		res, err := stmt.ExecContext(ctx, string(e.Participant), communityID, string(e.Challenge))
		if err != nil {
			return 0, persistErr("save", communityID, fmt.Errorf("insert %s/%s: %w", e.Participant, e.Challenge, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, persistErr("save", communityID, fmt.Errorf("rows affected: %w", err))
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, persistErr("save", communityID, fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// RecordSolve persists a single solve. inserted is false if the row already
// existed.
func (s *Store) RecordSolve(ctx context.Context, communityID string, p roster.ParticipantID, id challenge.Identity) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO solved_challenges ("user", community_id, challenge_name)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`), string(p), communityID, string(id))
	if err != nil {
		return false, persistErr("record", communityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("record", communityID, fmt.Errorf("rows affected: %w", err))
	}
	return n > 0, nil
}

// PruneSolves deletes every row of the community whose user is not in
// participants or whose challenge is not in challenges. An empty list
// matches every row for that column. This is irreversible.
//
// The keep-lists are matched in Go rather than bound into the statement,
// so their size is not limited by the driver's variable cap.
func (s *Store) PruneSolves(ctx context.Context, communityID string, participants []roster.ParticipantID, challenges []challenge.Identity) (int64, error) {
	keepUsers := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		keepUsers[string(p)] = struct{}{}
	}
	keepNames := make(map[string]struct{}, len(challenges))
	for _, c := range challenges {
		keepNames[string(c)] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("prune", communityID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	stale, err := staleSolves(ctx, tx, s.rebind(`
		SELECT "user", challenge_name FROM solved_challenges
		WHERE community_id = ?
	`), communityID, keepUsers, keepNames)
	if err != nil {
		return 0, persistErr("prune", communityID, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		DELETE FROM solved_challenges
		WHERE community_id = ? AND "user" = ? AND challenge_name = ?
	`))
	if err != nil {
		return 0, persistErr("prune", communityID, fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	var deleted int64
	for _, e := range stale {
		res, err := stmt.ExecContext(ctx, communityID, string(e.Participant), string(e.Challenge))
		if err != nil {
			return 0, persistErr("prune", communityID, fmt.Errorf("delete %s/%s: %w", e.Participant, e.Challenge, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, persistErr("prune", communityID, fmt.Errorf("rows affected: %w", err))
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, persistErr("prune", communityID, fmt.Errorf("commit: %w", err))
	}
	return deleted, nil
}

// staleSolves reads the community's rows and returns those whose user or
// challenge is missing from its keep set. The rows are drained before any
// delete runs on the same transaction.
func staleSolves(ctx context.Context, tx *sql.Tx, query, communityID string, keepUsers, keepNames map[string]struct{}) ([]ledger.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []ledger.Entry
	for rows.Next() {
		var user, name string
		if err := rows.Scan(&user, &name); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		_, userKept := keepUsers[user]
		_, nameKept := keepNames[name]
		if !userKept || !nameKept {
			stale = append(stale, ledger.Entry{Participant: roster.ParticipantID(user), Challenge: challenge.Identity(name)})
		}
	}
	return stale, rows.Err()
}

// CountSolves returns the number of stored solves of a community.
func (s *Store) CountSolves(ctx context.Context, communityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM solved_challenges WHERE community_id = ?
	`), communityID).Scan(&n)
	if err != nil {
		return 0, persistErr("count", communityID, err)
	}
	return n, nil
}

// Communities lists community ids with stored solves.
func (s *Store) Communities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT community_id FROM solved_challenges ORDER BY community_id
	`)
	if err != nil {
		return nil, persistErr("communities", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("communities", "", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
