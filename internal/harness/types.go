package harness

import "github.com/roach88/ctfboard/internal/engine"

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq         int64    `json:"seq"`
	Action      string   `json:"action"`
	CommunityID string   `json:"community_id,omitempty"`
	Participant string   `json:"participant,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Challenge   string   `json:"challenge,omitempty"`
	Points      int      `json:"points,omitempty"`
	Response    string   `json:"response,omitempty"`
	Published   []string `json:"published,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass     bool             `json:"pass"`
	Trace    []TraceEvent     `json:"trace"`
	Outcomes []engine.Outcome `json:"-"`
	Errors   []string         `json:"errors,omitempty"`
}

// NewResult returns a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
