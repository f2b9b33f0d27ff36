package roster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSource reads membership from a directory holding one file per
// community, named by community id. Each line is
//
//	<participant id>|<display name>[|bot]
type FileSource struct {
	Dir string
}

// NewFileSource returns a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

// Communities lists community ids in lexical order. A missing directory
// yields no communities.
func (s *FileSource) Communities(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// ListMembers returns the non-bot members of a community in file order.
func (s *FileSource) ListMembers(ctx context.Context, communityID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if communityID == "" || strings.ContainsAny(communityID, `/\`) {
		return nil, fmt.Errorf("invalid community id %q", communityID)
	}

	f, err := os.Open(filepath.Join(s.Dir, communityID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open members of %s: %w", communityID, err)
	}
	defer f.Close()

	var members []Member
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		m := Member{ID: ParticipantID(strings.TrimSpace(fields[0]))}
		if len(fields) > 1 {
			m.DisplayName = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 && strings.EqualFold(strings.TrimSpace(fields[2]), "bot") {
			m.Bot = true
		}
		if m.ID == "" || m.Bot {
			continue
		}
		members = append(members, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read members of %s: %w", communityID, err)
	}
	return members, nil
}
