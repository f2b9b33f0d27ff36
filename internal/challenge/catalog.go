package challenge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// FieldSeparator separates fields of a challenge definition line.
const FieldSeparator = "|"

const (
	fieldCount       = 6
	legacyFieldCount = 5
)

// ParseWarning reports a definition line that was skipped.
type ParseWarning struct {
	Source string
	Line   int
	Reason string
}

func (w ParseWarning) Error() string {
	if w.Source != "" {
		return fmt.Sprintf("%s:%d: %s", w.Source, w.Line, w.Reason)
	}
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// Catalog is an ordered, immutable set of challenges for one community.
// A reload produces a new Catalog; an existing one is never mutated.
type Catalog struct {
	challenges []Challenge
	index      map[Identity]int
}

// NewCatalog builds a catalog from challenges in order. When two challenges
// share an identity, lookups resolve to the first one.
func NewCatalog(challenges ...Challenge) *Catalog {
	c := &Catalog{
		challenges: make([]Challenge, len(challenges)),
		index:      make(map[Identity]int, len(challenges)),
	}
	copy(c.challenges, challenges)
	for i, ch := range c.challenges {
		id := ch.ID()
		if _, exists := c.index[id]; !exists {
			c.index[id] = i
		}
	}
	return c
}

// Empty returns a catalog with no challenges.
func Empty() *Catalog {
	return NewCatalog()
}

// Len returns the number of challenges.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.challenges)
}

// Challenges returns a copy of the challenges in catalog order.
func (c *Catalog) Challenges() []Challenge {
	if c == nil {
		return nil
	}
	out := make([]Challenge, len(c.challenges))
	copy(out, c.challenges)
	return out
}

// Lookup finds a challenge by name, ignoring case and whitespace.
func (c *Catalog) Lookup(name string) (Challenge, bool) {
	return c.Resolve(Normalize(name))
}

// Resolve finds a challenge by identity.
func (c *Catalog) Resolve(id Identity) (Challenge, bool) {
	if c == nil {
		return Challenge{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return Challenge{}, false
	}
	return c.challenges[i], true
}

// Identities returns the identities of all challenges in catalog order.
func (c *Catalog) Identities() []Identity {
	if c == nil {
		return nil
	}
	ids := make([]Identity, 0, len(c.index))
	for i, ch := range c.challenges {
		id := ch.ID()
		if c.index[id] == i {
			ids = append(ids, id)
		}
	}
	return ids
}

// Parse reads challenge definitions from r. Malformed lines and duplicate
// names are skipped and returned as warnings; only a read error is fatal.
// source labels warnings and may be empty.
func Parse(r io.Reader, source string) (*Catalog, []ParseWarning, error) {
	var (
		challenges []Challenge
		warnings   []ParseWarning
		seen       = make(map[Identity]int)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		ch, err := parseLine(line)
		if err != nil {
			warnings = append(warnings, ParseWarning{Source: source, Line: lineNo, Reason: err.Error()})
			continue
		}

		id := ch.ID()
		if first, dup := seen[id]; dup {
			warnings = append(warnings, ParseWarning{
				Source: source,
				Line:   lineNo,
				Reason: fmt.Sprintf("duplicate challenge %q (first defined on line %d)", ch.Name, first),
			})
			continue
		}
		seen[id] = lineNo
		challenges = append(challenges, ch)
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("read challenges: %w", err)
	}

	return NewCatalog(challenges...), warnings, nil
}

// LoadFile parses the definition file at path. A missing file yields an
// empty catalog and no error.
func LoadFile(path string) (*Catalog, []ParseWarning, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open challenges: %w", err)
	}
	defer f.Close()

	return Parse(f, path)
}

func parseLine(line string) (Challenge, error) {
	fields := strings.Split(line, FieldSeparator)

	var flag, name, category, description, difficulty, reward string
	switch {
	case len(fields) >= fieldCount:
		// Extra separators belong to the description.
		last := len(fields) - 2
		flag, name, category = fields[0], fields[1], fields[2]
		description = strings.Join(fields[3:last], FieldSeparator)
		difficulty, reward = fields[last], fields[last+1]
	case len(fields) == legacyFieldCount:
		flag, name = fields[0], fields[1]
		description, difficulty, reward = fields[2], fields[3], fields[4]
	default:
		return Challenge{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	if flag == "" {
		return Challenge{}, errors.New("empty flag")
	}
	name = strings.TrimSpace(name)
	if Normalize(name) == "" {
		return Challenge{}, errors.New("empty name")
	}

	diff, err := parseNonNegative("difficulty", difficulty)
	if err != nil {
		return Challenge{}, err
	}
	rew, err := parseNonNegative("reward", reward)
	if err != nil {
		return Challenge{}, err
	}

	return Challenge{
		Flag:        flag,
		Name:        name,
		Category:    strings.TrimSpace(category),
		Description: description,
		Difficulty:  diff,
		Reward:      rew,
	}, nil
}

func parseNonNegative(field, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", field, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s %d is negative", field, n)
	}
	return n, nil
}
