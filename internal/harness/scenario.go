package harness

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/reconcile"
)

// Scenario is a declarative test case.
type Scenario struct {
	Name        string                      `yaml:"name"`
	Description string                      `yaml:"description"`
	Strategy    string                      `yaml:"strategy,omitempty"`
	FlowToken   string                      `yaml:"flow_token,omitempty"`
	Communities map[string]CommunityFixture `yaml:"communities"`
	Steps       []Step                      `yaml:"steps"`
	Assertions  []Assertion                 `yaml:"assertions"`
}

// CommunityFixture is the starting state of one community.
type CommunityFixture struct {
	// Challenges are definition file lines.
	Challenges []string     `yaml:"challenges,omitempty"`
	Members    []MemberSpec `yaml:"members,omitempty"`
	Solves     []SolveSpec  `yaml:"solves,omitempty"`
}

// MemberSpec is a membership source entry.
type MemberSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Bot  bool   `yaml:"bot,omitempty"`
}

// SolveSpec is a pre-existing durable solve row.
type SolveSpec struct {
	Participant string `yaml:"participant"`
	Challenge   string `yaml:"challenge"`
}

// Step is one scenario action.
type Step struct {
	Action      string       `yaml:"action"`
	Community   string       `yaml:"community,omitempty"`
	Participant string       `yaml:"participant,omitempty"`
	Name        string       `yaml:"name,omitempty"`
	Bot         bool         `yaml:"bot,omitempty"`
	Text        string       `yaml:"text,omitempty"`
	Scoped      bool         `yaml:"scoped,omitempty"`
	Members     []MemberSpec `yaml:"members,omitempty"`
	Challenges  []string     `yaml:"challenges,omitempty"`
	Expect      *Expect      `yaml:"expect,omitempty"`
}

// Expect checks the result of an event step.
type Expect struct {
	Outcome  string `yaml:"outcome"`
	Points   *int   `yaml:"points,omitempty"`
	Response string `yaml:"response,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	Type        string `yaml:"type"`
	Community   string `yaml:"community,omitempty"`
	Participant string `yaml:"participant,omitempty"`
	Score       int    `yaml:"score,omitempty"`
	Absent      bool   `yaml:"absent,omitempty"`
	Count       int    `yaml:"count,omitempty"`
	Outcome     string `yaml:"outcome,omitempty"`
	Text        string `yaml:"text,omitempty"`
}

// Step actions that are not engine events.
const (
	ActionSetMembers    = "set_members"
	ActionSetChallenges = "set_challenges"
)

// Assertion types.
const (
	AssertScore        = "score"
	AssertStoredSolves = "stored_solves"
	AssertBoard        = "board"
	AssertOutcomeCount = "outcome_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// CommunityIDs returns the fixture community ids, sorted.
func (s *Scenario) CommunityIDs() []string {
	ids := make([]string, 0, len(s.Communities))
	for id := range s.Communities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := reconcile.ParseStrategy(s.Strategy); err != nil {
		return err
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Action {
	case ActionSetMembers, ActionSetChallenges:
		if step.Community == "" {
			return fmt.Errorf("community is required for %s", step.Action)
		}
		if step.Expect != nil {
			return fmt.Errorf("expect is not allowed for %s", step.Action)
		}
		return nil
	case "":
		return fmt.Errorf("action is required")
	}

	typ, err := engine.ParseEventType(step.Action)
	if err != nil {
		return err
	}
	if typ == engine.EventSubmit && step.Text == "" {
		return fmt.Errorf("text is required for submit")
	}
	if (typ == engine.EventJoin || typ == engine.EventLeave) && step.Participant == "" {
		return fmt.Errorf("participant is required for %s", step.Action)
	}
	if step.Expect != nil && step.Expect.Outcome == "" {
		return fmt.Errorf("expect: outcome is required")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertScore:
		if a.Community == "" || a.Participant == "" {
			return fmt.Errorf("community and participant are required for score")
		}
	case AssertStoredSolves:
		if a.Community == "" {
			return fmt.Errorf("community is required for stored_solves")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertBoard:
		if a.Community == "" {
			return fmt.Errorf("community is required for board")
		}
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("outcome is required for outcome_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
