// Package roster tracks the eligible participants of a community.
package roster

import "context"

// ParticipantID identifies a community member. It is opaque to the engine.
type ParticipantID string

// Member is a community member as reported by the membership source.
type Member struct {
	ID          ParticipantID
	DisplayName string
	// Bot marks automated accounts; they are never added to a roster.
	Bot bool
}

// Name returns the display name, falling back to the ID.
func (m Member) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return string(m.ID)
}

// MembershipSource lists communities and their current members.
// Implemented by the chat-platform adapter.
type MembershipSource interface {
	Communities(ctx context.Context) ([]string, error)
	ListMembers(ctx context.Context, communityID string) ([]Member, error)
}

// Roster is the ordered set of participants of one community. Iteration
// follows insertion order.
type Roster struct {
	order   []ParticipantID
	members map[ParticipantID]Member
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{members: make(map[ParticipantID]Member)}
}

// Add inserts m unless it is a bot or already present. An existing member's
// display name is refreshed. Returns true if m was newly added.
func (r *Roster) Add(m Member) bool {
	if m.Bot || m.ID == "" {
		return false
	}
	if _, ok := r.members[m.ID]; ok {
		r.members[m.ID] = m
		return false
	}
	r.members[m.ID] = m
	r.order = append(r.order, m.ID)
	return true
}

// Remove drops a participant. Returns false if it was not present.
func (r *Roster) Remove(id ParticipantID) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether id is a participant.
func (r *Roster) Contains(id ParticipantID) bool {
	_, ok := r.members[id]
	return ok
}

// Member returns the participant with the given id.
func (r *Roster) Member(id ParticipantID) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// DisplayName returns the participant's display name, or the id itself.
func (r *Roster) DisplayName(id ParticipantID) string {
	if m, ok := r.members[id]; ok {
		return m.Name()
	}
	return string(id)
}

// IDs returns participant ids in insertion order.
func (r *Roster) IDs() []ParticipantID {
	out := make([]ParticipantID, len(r.order))
	copy(out, r.order)
	return out
}

// Members returns participants in insertion order.
func (r *Roster) Members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	return len(r.order)
}

// Sync adds every live member not yet tracked. With evict set, tracked
// participants missing from live are removed. It returns the added and
// removed ids.
func (r *Roster) Sync(live []Member, evict bool) (added, removed []ParticipantID) {
	present := make(map[ParticipantID]struct{}, len(live))
	for _, m := range live {
		if m.Bot {
			continue
		}
		present[m.ID] = struct{}{}
		if r.Add(m) {
			added = append(added, m.ID)
		}
	}
	if !evict {
		return added, nil
	}
	for _, id := range r.IDs() {
		if _, ok := present[id]; !ok {
			r.Remove(id)
			removed = append(removed, id)
		}
	}
	return added, removed
}
