// Package kernel implements the Harness Kernel of spec.md §4.1: the
// component that drives one AgentRun to a terminal state, turn by turn,
// against the Tool Policy Enforcer, the Event Recorder, and the
// Acceptance Gate. The Kernel is the single writer of AgentRun.status.
package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/events"
	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/gate"
	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/internal/policy"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// RunRepository is the persistence seam the Kernel needs for AgentRun rows.
type RunRepository interface {
	GetAgentRun(ctx context.Context, id string) (*model.AgentRun, error)
	UpdateAgentRun(ctx context.Context, r *model.AgentRun) error
	ListOrphanedRuns(ctx context.Context) ([]*model.AgentRun, error)
}

// EventSource lets the Kernel replay a run's tool_result events back into
// the Acceptance Gate's forbidden_patterns validator.
type EventSource interface {
	ListEventsByRunAndType(ctx context.Context, runID string, eventType model.EventType) ([]model.AgentEvent, error)
}

// RetryConfig bounds the exponential backoff applied to transient executor
// failures (spec.md §4.1's "Failure semantics").
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig matches the teacher's own circuit/backoff defaults in
// scale (pkg/agent/circuit.go's RecoveryTimeout is minutes, not seconds).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Kernel drives AgentRuns. One Kernel instance is shared across concurrently
// executing runs; per-run state (circuit breaker, pause/cancel signals)
// lives for the duration of a single Execute call.
type Kernel struct {
	runs     RunRepository
	source   EventSource
	recorder *events.Recorder
	gate     *gate.Gate
	log      *slog.Logger

	retry            RetryConfig
	perHourTurnLimit int

	controls *registry
	inst     *instrumentation
}

// New constructs a Kernel. perHourTurnLimit bounds how often any run may
// call into the turn executor, protecting a shared LLM backend; 0 uses the
// turnRateLimiter's own default.
func New(runs RunRepository, source EventSource, recorder *events.Recorder, g *gate.Gate, log *slog.Logger, retry RetryConfig, perHourTurnLimit int) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	return &Kernel{
		runs:             runs,
		source:           source,
		recorder:         recorder,
		gate:             g,
		log:              log,
		retry:            retry,
		perHourTurnLimit: perHourTurnLimit,
		controls:         newRegistry(),
		inst:             newInstrumentation(),
	}
}

// Execute implements spec.md §4.1's public contract: precondition run is
// pending, postcondition run is terminal with at least a started and a
// terminal event recorded. It never panics outward — a panicking turn
// executor or recorder call is not expected, but the whole call is
// wrapped in one recover that ends the run as failed, so a panic cannot
// leak past the Kernel's own boundary.
func (k *Kernel) Execute(ctx context.Context, spec *model.AgentSpec, acceptance *model.AcceptanceSpec, run *model.AgentRun, ex executor.Executor, projectDir string) (result *model.AgentRun, err error) {
	if run.Status != model.RunStatusPending {
		return nil, apperr.New(apperr.KindStateConflict, "execute requires a run in pending, got "+string(run.Status))
	}

	defer func() {
		if r := recover(); r != nil {
			k.log.Error("kernel execute panicked", "run_id", run.ID, "panic", r)
			result, err = k.finishExecutorFailure(ctx, run, apperr.New(apperr.KindExecutorFailure, "kernel panic recovered"))
		}
	}()

	started := time.Now().UTC()
	if err := run.Transition(model.RunStatusRunning, started); err != nil {
		return nil, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return nil, err
	}
	if err := k.record(ctx, run.ID, model.EventStarted, map[string]any{
		"objective": spec.Objective, "agent_spec_id": spec.ID,
	}); err != nil {
		return nil, err
	}

	ctl := k.controls.register(run.ID)
	defer k.controls.unregister(run.ID)

	history := llm.NewConversation().SetSystem(buildSystemPrompt(spec))
	enforcer := policy.New(&spec.ToolPolicy)
	cb := newCircuitBreaker(defaultCircuitConfig())
	limiter := newTurnRateLimiter(k.perHourTurnLimit)
	deadline := started.Add(time.Duration(spec.TimeoutSeconds) * time.Second)

	for {
		if ctl.isCanceled() {
			return k.finishCanceled(ctx, run)
		}
		if ctl.pauseRequested() {
			canceled, err := k.pauseAndWait(ctx, run, ctl)
			if err != nil {
				return run, err
			}
			if canceled {
				return run, nil
			}
		}

		elapsed := time.Since(started)
		if elapsed >= time.Duration(spec.TimeoutSeconds)*time.Second {
			return k.finishBudgetExhausted(ctx, acceptance, run, projectDir, "wall_clock",
				map[string]any{"elapsed_seconds": int(elapsed.Seconds())})
		}
		if run.TurnsUsed >= spec.MaxTurns {
			return k.finishBudgetExhausted(ctx, acceptance, run, projectDir, "max_turns",
				map[string]any{"turns_used": run.TurnsUsed})
		}

		turnCtx, span := k.inst.startTurnSpan(ctx, run.ID, run.TurnsUsed+1)
		turnResult, callErr := k.callWithRetry(turnCtx, ex, spec, run, history, cb, limiter, deadline)
		endTurnSpan(span, callErr)
		if callErr != nil {
			if apperr.Is(callErr, apperr.KindBudgetExhaustion) {
				return k.finishBudgetExhausted(ctx, acceptance, run, projectDir, "wall_clock",
					map[string]any{"elapsed_seconds": int(time.Since(started).Seconds())})
			}
			return k.finishExecutorFailure(ctx, run, callErr)
		}

		violationsBefore := run.PolicyViolations
		k.applyPolicyAndRecord(ctx, run, enforcer, turnResult)
		k.inst.recordTurn(ctx, run.ID, turnResult.TokensIn, turnResult.TokensOut, run.PolicyViolations-violationsBefore)

		run.TurnsUsed++
		run.TokensIn += turnResult.TokensIn
		run.TokensOut += turnResult.TokensOut
		if recErr := k.record(ctx, run.ID, model.EventTurnComplete, map[string]any{
			"turns_used": run.TurnsUsed, "tokens_in": run.TokensIn, "tokens_out": run.TokensOut,
		}); recErr != nil {
			k.log.Error("failed to record turn_complete", "run_id", run.ID, "error", recErr)
		}
		if err := k.persistRun(ctx, run); err != nil {
			return run, err
		}

		if turnResult.Completed {
			break
		}
	}

	return k.finishWithGate(ctx, acceptance, run, projectDir)
}

// applyPolicyAndRecord implements spec.md §4.1 step 3d-e: every tool event
// is policy-checked before its result is considered, and tool_call /
// tool_result events are recorded in order regardless of the verdict.
func (k *Kernel) applyPolicyAndRecord(ctx context.Context, run *model.AgentRun, enforcer *policy.Enforcer, result executor.TurnResult) {
	for _, te := range result.ToolEvents {
		decision := enforcer.Check(te.ToolName, te.Arguments)

		if err := k.record(ctx, run.ID, model.EventToolCall, map[string]any{
			"tool_name": te.ToolName, "arguments": string(te.Arguments),
		}, te.ToolName); err != nil {
			k.log.Error("failed to record tool_call", "run_id", run.ID, "error", err)
		}

		if decision.Blocked {
			run.PolicyViolations++
			if err := k.record(ctx, run.ID, model.EventPolicyViolation, map[string]any{
				"kind": string(decision.Kind), "detail": decision.Detail,
			}, te.ToolName); err != nil {
				k.log.Error("failed to record policy_violation", "run_id", run.ID, "error", err)
			}
			if err := k.record(ctx, run.ID, model.EventToolResult, policy.BlockedResultPayload(decision), te.ToolName); err != nil {
				k.log.Error("failed to record blocked tool_result", "run_id", run.ID, "error", err)
			}
			continue
		}

		if err := k.record(ctx, run.ID, model.EventToolResult, map[string]any{
			"result": string(te.Result), "success": te.Success,
		}, te.ToolName); err != nil {
			k.log.Error("failed to record tool_result", "run_id", run.ID, "error", err)
		}
	}
}

// record wraps the Recorder, translating a nil-toolName call into the
// plain form and an unknown event_type into a storage-failure-shaped error
// (it cannot happen given the closed set of constants this package uses,
// but a future typo here should fail loudly, not silently).
func (k *Kernel) record(ctx context.Context, runID string, eventType model.EventType, payload map[string]any, toolName ...string) error {
	opts := events.RecordOptions{Payload: payload}
	if len(toolName) > 0 {
		opts.ToolName = toolName[0]
	}
	if _, err := k.recorder.Record(ctx, runID, eventType, opts); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "record "+string(eventType)+" event", err)
	}
	return nil
}

func (k *Kernel) persistRun(ctx context.Context, run *model.AgentRun) error {
	if err := k.runs.UpdateAgentRun(ctx, run); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "persist agent run", err)
	}
	return nil
}
