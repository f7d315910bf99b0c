// Package executor implements the Turn Executor Contract of spec.md §4.2:
// the seam between the Harness Kernel and whatever drives the actual model
// conversation. The Kernel depends only on the Executor interface; nothing
// in internal/kernel imports a concrete provider.
package executor

import (
	"context"
	"encoding/json"

	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// ToolEvent is one tool invocation observed during a turn: the name, its
// serialized arguments, its serialized result, and whether it succeeded.
// The Kernel applies the Tool Policy to every ToolEvent before recording or
// trusting its Result (spec.md §4.1 step 3d).
type ToolEvent struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
	Success   bool            `json:"success"`
}

// TurnResult is the return value of one ExecuteTurn call, matching
// spec.md §4.2's tuple exactly. TurnPayload is opaque to the Kernel; it
// exists only so a caller building the next turn's history can thread
// provider-specific state through without the Kernel needing to know its
// shape.
type TurnResult struct {
	Completed   bool
	TurnPayload any
	ToolEvents  []ToolEvent
	TokensIn    int
	TokensOut   int
}

// Executor is the contract the Kernel calls once per turn. Implementations
// must never return an error for a protocol-level failure (a dropped
// connection, a malformed model response, a tool transport error) — those
// surface as a TurnResult with Completed=false and a single ToolEvent named
// "error" whose Result carries a categorized error (see ProtocolFailure).
// The returned error is reserved for failures the Kernel should treat as
// non-retryable programming errors (e.g. an invalid spec passed by the
// caller), which is why the Kernel still wraps every call in a recovery
// block of its own.
type Executor interface {
	ExecuteTurn(ctx context.Context, spec *model.AgentSpec, runID string, history *llm.Conversation) (TurnResult, error)
}

// ProtocolFailure builds the canonical empty-turn result for a
// protocol-level failure per spec.md §4.2: completed=false, a single
// tool_event named "error" carrying a categorized message, zero tokens.
func ProtocolFailure(kind, message string) TurnResult {
	payload, _ := json.Marshal(map[string]any{"kind": kind, "message": message})
	return TurnResult{
		Completed: false,
		ToolEvents: []ToolEvent{{
			ToolName: "error",
			Result:   payload,
			Success:  false,
		}},
	}
}
