package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/ctfboard/internal/challenge"
)

// migrateLegacy converts a database written by the original bot. That layout
// used a server_id column and stored challenge_name as the raw challenge
// name followed by the server id. Rows are rewritten with normalized
// identities; duplicates that collapse under normalization are dropped.
func migrateLegacy(db *sql.DB) error {
	legacy, err := hasColumn(db, "solved_challenges", "server_id")
	if err != nil {
		return err
	}
	if !legacy {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`ALTER TABLE solved_challenges RENAME TO solved_challenges_legacy`); err != nil {
		return fmt.Errorf("rename legacy table: %w", err)
	}
	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	rows, err := tx.Query(`SELECT user, server_id, challenge_name FROM solved_challenges_legacy`)
	if err != nil {
		return fmt.Errorf("read legacy rows: %w", err)
	}
	type legacyRow struct{ user, community, name string }
	var all []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.user, &r.community, &r.name); err != nil {
			rows.Close()
			return fmt.Errorf("scan legacy row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, r := range all {
		id := legacyIdentity(r.name, r.community)
		if _, err := tx.Exec(`
			INSERT INTO solved_challenges ("user", community_id, challenge_name)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.user, r.community, string(id)); err != nil {
			return fmt.Errorf("copy legacy row: %w", err)
		}
	}

	if _, err := tx.Exec(`DROP TABLE solved_challenges_legacy`); err != nil {
		return fmt.Errorf("drop legacy table: %w", err)
	}

	return tx.Commit()
}

// legacyIdentity strips the server id suffix the original bot appended.
func legacyIdentity(stored, communityID string) challenge.Identity {
	if communityID != "" && len(stored) > len(communityID) {
		stored = strings.TrimSuffix(stored, communityID)
	}
	return challenge.Normalize(stored)
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
