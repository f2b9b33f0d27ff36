package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/ctfboard/internal/challenge"
	"github.com/roach88/ctfboard/internal/roster"
)

// ErrUnavailable is returned by sources that were told to fail.
var ErrUnavailable = errors.New("source unavailable")

// StaticMembers is an in-memory roster.MembershipSource.
type StaticMembers struct {
	mu      sync.Mutex
	members map[string][]roster.Member
	fail    bool
}

// NewStaticMembers returns an empty membership source.
func NewStaticMembers() *StaticMembers {
	return &StaticMembers{members: make(map[string][]roster.Member)}
}

// Set replaces the members of a community.
func (s *StaticMembers) Set(communityID string, members ...roster.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[communityID] = append([]roster.Member(nil), members...)
}

// Fail makes every call return ErrUnavailable until cleared.
func (s *StaticMembers) Fail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Communities implements roster.MembershipSource.
func (s *StaticMembers) Communities(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, ErrUnavailable
	}
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListMembers implements roster.MembershipSource.
func (s *StaticMembers) ListMembers(ctx context.Context, communityID string) ([]roster.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, ErrUnavailable
	}
	return append([]roster.Member(nil), s.members[communityID]...), nil
}

// StaticCatalogs serves fixed catalogs by community id. Unknown ids get an
// empty catalog.
type StaticCatalogs struct {
	mu       sync.Mutex
	catalogs map[string]*challenge.Catalog
	fail     bool
}

// NewStaticCatalogs returns an empty catalog source.
func NewStaticCatalogs() *StaticCatalogs {
	return &StaticCatalogs{catalogs: make(map[string]*challenge.Catalog)}
}

// Set replaces the catalog of a community.
func (s *StaticCatalogs) Set(communityID string, challenges ...challenge.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs[communityID] = challenge.NewCatalog(challenges...)
}

// Fail makes LoadCatalog return ErrUnavailable until cleared.
func (s *StaticCatalogs) Fail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// LoadCatalog returns the configured catalog.
func (s *StaticCatalogs) LoadCatalog(communityID string) (*challenge.Catalog, []challenge.ParseWarning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, nil, ErrUnavailable
	}
	if c, ok := s.catalogs[communityID]; ok {
		return c, nil, nil
	}
	return challenge.Empty(), nil, nil
}
