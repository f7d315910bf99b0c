package model

import (
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

// EventType is the closed, authoritative set of spec.md §6's event types.
type EventType string

const (
	EventStarted                     EventType = "started"
	EventToolCall                    EventType = "tool_call"
	EventToolResult                  EventType = "tool_result"
	EventTurnComplete                EventType = "turn_complete"
	EventAcceptanceCheck             EventType = "acceptance_check"
	EventCompleted                   EventType = "completed"
	EventFailed                      EventType = "failed"
	EventTimeout                     EventType = "timeout"
	EventPaused                      EventType = "paused"
	EventResumed                     EventType = "resumed"
	EventPolicyViolation             EventType = "policy_violation"
	EventTestsExecuted               EventType = "tests_executed"
	EventSandboxTestsExecuted        EventType = "sandbox_tests_executed"
	EventTestResultArtifactCreated   EventType = "test_result_artifact_created"
)

var validEventTypes = map[EventType]bool{
	EventStarted: true, EventToolCall: true, EventToolResult: true,
	EventTurnComplete: true, EventAcceptanceCheck: true, EventCompleted: true,
	EventFailed: true, EventTimeout: true, EventPaused: true, EventResumed: true,
	EventPolicyViolation: true, EventTestsExecuted: true,
	EventSandboxTestsExecuted: true, EventTestResultArtifactCreated: true,
}

// IsValidEventType reports whether t is in the closed set.
func IsValidEventType(t EventType) bool { return validEventTypes[t] }

// TerminalEventTypes map 1:1 to the terminal RunStatus values.
var TerminalEventTypes = map[RunStatus]EventType{
	RunStatusCompleted: EventCompleted,
	RunStatusFailed:    EventFailed,
	RunStatusTimeout:   EventTimeout,
}

// AgentEvent is an immutable, sequenced audit record (spec.md §3).
type AgentEvent struct {
	ID               int64          `json:"id"`
	RunID            string         `json:"run_id"`
	Sequence         int            `json:"sequence"`
	EventType        EventType      `json:"event_type"`
	Timestamp        time.Time      `json:"timestamp"`
	Payload          map[string]any `json:"payload,omitempty"`
	PayloadTruncated *int64         `json:"payload_truncated,omitempty"`
	ArtifactRef      *string        `json:"artifact_ref,omitempty"`
	ToolName         *string        `json:"tool_name,omitempty"`
}

// Validate enforces the AgentEvent invariants of spec.md §3 that do not
// require knowledge of sibling events (density/uniqueness is the recorder's
// job, since it spans the whole run).
func (e *AgentEvent) Validate() error {
	if !IsValidEventType(e.EventType) {
		return apperr.New(apperr.KindValidation, "unknown event_type: "+string(e.EventType))
	}
	if e.Sequence < 1 {
		return apperr.New(apperr.KindValidation, "sequence must start at 1")
	}
	return nil
}
