package kernel

import (
	"context"
	"time"

	"github.com/rudiheydra/autobuildr/internal/gate"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// finishWithGate implements spec.md §4.1 steps 4-5 for the normal
// completion path: evaluate the Acceptance Gate, record acceptance_check,
// set final_verdict, transition running->completed (the state machine has
// no "gate evaluated -> failed" edge; a failing verdict is recorded on an
// otherwise-completed run), and record the terminal event.
func (k *Kernel) finishWithGate(ctx context.Context, acceptance *model.AcceptanceSpec, run *model.AgentRun, projectDir string) (*model.AgentRun, error) {
	gateResult := k.runGate(ctx, acceptance, run, projectDir)
	if err := k.record(ctx, run.ID, model.EventAcceptanceCheck, map[string]any{
		"verdict": string(gateResult.Verdict), "score": gateResult.Score, "gate_mode": string(gateResult.GateMode),
		"validators": validatorSummaries(gateResult.Validators),
	}); err != nil {
		k.log.Error("failed to record acceptance_check", "run_id", run.ID, "error", err)
	}

	verdict := gateResult.Verdict
	run.FinalVerdict = &verdict
	run.AcceptanceResults = map[string]any{
		"score": gateResult.Score, "validators": validatorSummaries(gateResult.Validators),
	}

	now := time.Now().UTC()
	if err := run.Transition(model.RunStatusCompleted, now); err != nil {
		return run, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return run, err
	}
	if err := k.record(ctx, run.ID, model.EventCompleted, map[string]any{"final_verdict": string(verdict)}); err != nil {
		k.log.Error("failed to record completed terminal event", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// finishBudgetExhausted implements spec.md §4.1 step 3a/3b: record the
// resource-exhaustion terminal event first, then still run the gate
// against partial state before the run is marked timeout.
func (k *Kernel) finishBudgetExhausted(ctx context.Context, acceptance *model.AcceptanceSpec, run *model.AgentRun, projectDir, resource string, extra map[string]any) (*model.AgentRun, error) {
	payload := map[string]any{"resource": resource}
	for key, v := range extra {
		payload[key] = v
	}
	if err := k.record(ctx, run.ID, model.EventTimeout, payload); err != nil {
		k.log.Error("failed to record timeout event", "run_id", run.ID, "error", err)
	}

	gateResult := k.runGate(ctx, acceptance, run, projectDir)
	if err := k.record(ctx, run.ID, model.EventAcceptanceCheck, map[string]any{
		"verdict": string(gateResult.Verdict), "score": gateResult.Score, "gate_mode": string(gateResult.GateMode),
		"validators": validatorSummaries(gateResult.Validators),
	}); err != nil {
		k.log.Error("failed to record acceptance_check", "run_id", run.ID, "error", err)
	}

	verdict := gateResult.Verdict
	run.FinalVerdict = &verdict
	run.AcceptanceResults = map[string]any{
		"score": gateResult.Score, "validators": validatorSummaries(gateResult.Validators),
	}

	now := time.Now().UTC()
	if err := run.Transition(model.RunStatusTimeout, now); err != nil {
		return run, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// finishExecutorFailure implements the "executor error -> failed" edge: no
// gate evaluation, a single failed terminal event carrying the cause.
func (k *Kernel) finishExecutorFailure(ctx context.Context, run *model.AgentRun, cause error) (*model.AgentRun, error) {
	msg := cause.Error()
	run.Error = &msg
	verdict := model.VerdictError
	run.FinalVerdict = &verdict

	now := time.Now().UTC()
	if err := run.Transition(model.RunStatusFailed, now); err != nil {
		return run, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return run, err
	}
	if err := k.record(ctx, run.ID, model.EventFailed, map[string]any{"error": msg}); err != nil {
		k.log.Error("failed to record failed terminal event", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// finishCanceled implements the "cancel -> failed" edge.
func (k *Kernel) finishCanceled(ctx context.Context, run *model.AgentRun) (*model.AgentRun, error) {
	msg := "canceled"
	run.Error = &msg
	verdict := model.VerdictError
	run.FinalVerdict = &verdict

	now := time.Now().UTC()
	if err := run.Transition(model.RunStatusFailed, now); err != nil {
		return run, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return run, err
	}
	if err := k.record(ctx, run.ID, model.EventFailed, map[string]any{"error": msg}); err != nil {
		k.log.Error("failed to record failed terminal event", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// runGate replays this run's tool_result events into the Acceptance Gate.
func (k *Kernel) runGate(ctx context.Context, acceptance *model.AcceptanceSpec, run *model.AgentRun, projectDir string) gate.GateResult {
	toolResults, err := k.source.ListEventsByRunAndType(ctx, run.ID, model.EventToolResult)
	if err != nil {
		k.log.Error("failed to load tool_result events for gate", "run_id", run.ID, "error", err)
	}
	return k.gate.Evaluate(ctx, acceptance, gate.EvalContext{
		ProjectDir: projectDir, Run: run, ToolResults: toolResults,
	})
}

func validatorSummaries(results []gate.ValidatorResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"kind": string(r.Kind), "passed": r.Passed, "message": r.Message,
		})
	}
	return out
}
