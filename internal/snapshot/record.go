// Package snapshot persists whole community state as a versioned record in
// BadgerDB.
//
// It replaces the original bot's opaque per-server pickle. Each record is a
// tagged JSON document carrying an explicit Kind and SchemaVersion; a loaded
// document is rejected with ErrUnrecognizedRecord unless it carries the
// expected kind and a known version. Saves replace the whole record.
//
// The scoreboard is written for inspection only. It is always recomputed on
// restore, so a stale or edited score can never leak back into the engine.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/ledger"
	"github.com/roach88/ctfboard/internal/roster"
)

const (
	// Kind tags community-state records.
	Kind = "ctfboard/community-state"

	// SchemaVersion is the version written by this build.
	SchemaVersion = 1
)

// ErrUnrecognizedRecord is returned for documents that are not a known
// community-state record.
var ErrUnrecognizedRecord = errors.New("unrecognized snapshot record")

// Record is the serialized form of a community.
type Record struct {
	Kind          string              `json:"kind"`
	SchemaVersion int                 `json:"schema_version"`
	CommunityID   string              `json:"community_id"`
	Challenges    []ChallengeRecord   `json:"challenges"`
	Roster        []MemberRecord      `json:"roster"`
	Solves        map[string][]string `json:"solves"`
	Scores        map[string]int      `json:"scores,omitempty"`
}

// ChallengeRecord is a serialized challenge.
type ChallengeRecord struct {
	Flag        string `json:"flag,omitempty"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Difficulty  int    `json:"difficulty"`
	Reward      int    `json:"reward"`
}

// MemberRecord is a serialized roster entry.
type MemberRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// FromState captures s. The caller must hold the state lock.
func FromState(s *community.State) Record {
	r := Record{
		Kind:          Kind,
		SchemaVersion: SchemaVersion,
		CommunityID:   s.ID,
		Solves:        solvesOf(s.Ledger),
		Scores:        make(map[string]int),
	}
	for _, ch := range s.Catalog.Challenges() {
		r.Challenges = append(r.Challenges, ChallengeRecord{
			Flag:        ch.Flag,
			Name:        ch.Name,
			Category:    ch.Category,
			Description: ch.Description,
			Difficulty:  ch.Difficulty,
			Reward:      ch.Reward,
		})
	}
	for _, m := range s.Roster.Members() {
		r.Roster = append(r.Roster, MemberRecord{ID: string(m.ID), DisplayName: m.DisplayName})
		if score, ok := s.Board.Score(m.ID); ok {
			r.Scores[string(m.ID)] = score
		}
	}
	return r
}

// ToState rebuilds community state from r and recomputes the scoreboard.
func (r Record) ToState() *community.State {
	s := community.NewState(r.CommunityID)

	challenges := make([]challenge.Challenge, 0, len(r.Challenges))
	for _, c := range r.Challenges {
		challenges = append(challenges, challenge.Challenge{
			Flag:        c.Flag,
			Name:        c.Name,
			Category:    c.Category,
			Description: c.Description,
			Difficulty:  c.Difficulty,
			Reward:      c.Reward,
		})
	}
	s.Catalog = challenge.NewCatalog(challenges...)

	for _, m := range r.Roster {
		s.Roster.Add(roster.Member{ID: roster.ParticipantID(m.ID), DisplayName: m.DisplayName})
	}
	s.Ledger = r.Ledger()
	s.Recompute()
	return s
}

// Ledger returns the solves of r as a ledger.
func (r Record) Ledger() *ledger.Ledger {
	participants := make([]string, 0, len(r.Solves))
	for p := range r.Solves {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	l := ledger.New()
	for _, p := range participants {
		for _, id := range r.Solves[p] {
			l.Record(roster.ParticipantID(p), challenge.Identity(id))
		}
	}
	return l
}

func solvesOf(l *ledger.Ledger) map[string][]string {
	out := make(map[string][]string)
	for _, e := range l.Entries() {
		p := string(e.Participant)
		out[p] = append(out[p], string(e.Challenge))
	}
	return out
}

// Encode serializes r.
func Encode(r Record) ([]byte, error) {
	if r.Kind == "" {
		r.Kind = Kind
	}
	if r.SchemaVersion == 0 {
		r.SchemaVersion = SchemaVersion
	}
	return json.Marshal(r)
}

// Decode parses and validates a record.
func Decode(data []byte) (Record, error) {
	var header struct {
		Kind          string `json:"kind"`
		SchemaVersion int    `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnrecognizedRecord, err)
	}
	if header.Kind != Kind {
		return Record{}, fmt.Errorf("%w: kind %q", ErrUnrecognizedRecord, header.Kind)
	}
	if header.SchemaVersion < 1 || header.SchemaVersion > SchemaVersion {
		return Record{}, fmt.Errorf("%w: schema version %d", ErrUnrecognizedRecord, header.SchemaVersion)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnrecognizedRecord, err)
	}
	if r.CommunityID == "" {
		return Record{}, fmt.Errorf("%w: missing community id", ErrUnrecognizedRecord)
	}
	if r.Solves == nil {
		r.Solves = make(map[string][]string)
	}
	return r, nil
}
