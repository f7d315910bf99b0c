package model

import (
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

// RunStatus is the AgentRun.status state machine of spec.md §4.1.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCompleted RunStatus = "completed"
)

// IsTerminal reports whether status is one of the three terminal states.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusTimeout || s == RunStatusFailed || s == RunStatusCompleted
}

// validTransitions is the declared state-machine edge set of spec.md §4.1.
// Only these (from, to) pairs are legal; anything else is an
// InvalidStateTransition.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	// pending->failed covers crash recovery finding a run that never made
	// it to running before the process died (spec.md §4.1 "Crash recovery").
	RunStatusPending: {RunStatusRunning: true, RunStatusFailed: true},
	RunStatusRunning: {
		RunStatusPaused:    true,
		RunStatusTimeout:   true,
		RunStatusFailed:    true,
		RunStatusCompleted: true,
	},
	RunStatusPaused: {RunStatusRunning: true, RunStatusFailed: true},
}

// CanTransition reports whether from->to is a legal edge in the state machine.
func CanTransition(from, to RunStatus) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Verdict is the terminal semantic outcome of a run, distinct from status.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
	VerdictError  Verdict = "error"
)

// AgentRun is one execution attempt of an AgentSpec (spec.md §3).
type AgentRun struct {
	ID                string         `json:"id"`
	AgentSpecID       string         `json:"agent_spec_id"`
	Status            RunStatus      `json:"status"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	TurnsUsed         int            `json:"turns_used"`
	TokensIn          int            `json:"tokens_in"`
	TokensOut         int            `json:"tokens_out"`
	FinalVerdict      *Verdict       `json:"final_verdict,omitempty"`
	AcceptanceResults map[string]any `json:"acceptance_results,omitempty"`
	Error             *string        `json:"error,omitempty"`
	RetryCount        int            `json:"retry_count"`
	CreatedAt         time.Time      `json:"created_at"`

	// PolicyViolations counts blocked tool calls for this run (spec.md §4.3:
	// "Counters are kept on the run for reporting").
	PolicyViolations int `json:"policy_violations"`
}

// NewAgentRun creates a run in the initial pending state.
func NewAgentRun(id, agentSpecID string) *AgentRun {
	return &AgentRun{
		ID:          id,
		AgentSpecID: agentSpecID,
		Status:      RunStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition attempts to move the run to newStatus, enforcing the state
// machine's edge set and the completed_at/final_verdict invariants of
// spec.md §3. Returns an apperr.KindStateConflict error on an illegal edge.
func (r *AgentRun) Transition(newStatus RunStatus, at time.Time) error {
	if !CanTransition(r.Status, newStatus) {
		return apperr.New(apperr.KindStateConflict,
			"invalid state transition "+string(r.Status)+" -> "+string(newStatus))
	}
	r.Status = newStatus
	if newStatus == RunStatusRunning && r.StartedAt == nil {
		t := at
		r.StartedAt = &t
	}
	if newStatus.IsTerminal() {
		t := at
		r.CompletedAt = &t
	}
	return nil
}

// Validate enforces the AgentRun invariants of spec.md §3.
func (r *AgentRun) Validate() error {
	if r.Status.IsTerminal() != (r.CompletedAt != nil) {
		return apperr.New(apperr.KindValidation, "completed_at must be set iff status is terminal")
	}
	wantVerdict := r.Status == RunStatusCompleted || r.Status == RunStatusFailed || r.Status == RunStatusTimeout
	if wantVerdict != (r.FinalVerdict != nil) {
		return apperr.New(apperr.KindValidation, "final_verdict must be set iff status in {completed,failed,timeout}")
	}
	if r.TurnsUsed < 0 || r.TokensIn < 0 || r.TokensOut < 0 || r.RetryCount < 0 {
		return apperr.New(apperr.KindValidation, "run counters must be non-negative")
	}
	return nil
}
