package kernel

import (
	"context"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// Pause requests that the run currently inside Execute transition to
// paused at its next turn boundary. Idempotent if the run is already
// paused or already terminal; a conflict error otherwise, per spec.md
// §4.1's "idempotent only in the same terminal state" contract.
func (k *Kernel) Pause(ctx context.Context, runID string) error {
	run, err := k.runs.GetAgentRun(ctx, runID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "load run for pause", err)
	}
	if run == nil {
		return apperr.New(apperr.KindValidation, "no such run: "+runID)
	}
	if run.Status.IsTerminal() || run.Status == model.RunStatusPaused {
		return nil
	}
	if run.Status != model.RunStatusRunning {
		return apperr.New(apperr.KindStateConflict, "cannot pause run in status "+string(run.Status))
	}
	ctl, ok := k.controls.get(runID)
	if !ok {
		return apperr.New(apperr.KindStateConflict, "run is not actively executing: "+runID)
	}
	ctl.signalPause()
	return nil
}

// Resume requests that a paused run transition back to running. Idempotent
// if already running or terminal.
func (k *Kernel) Resume(ctx context.Context, runID string) error {
	run, err := k.runs.GetAgentRun(ctx, runID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "load run for resume", err)
	}
	if run == nil {
		return apperr.New(apperr.KindValidation, "no such run: "+runID)
	}
	if run.Status.IsTerminal() || run.Status == model.RunStatusRunning {
		return nil
	}
	if run.Status != model.RunStatusPaused {
		return apperr.New(apperr.KindStateConflict, "cannot resume run in status "+string(run.Status))
	}
	ctl, ok := k.controls.get(runID)
	if !ok {
		return apperr.New(apperr.KindStateConflict, "run is not actively executing: "+runID)
	}
	ctl.signalResume()
	return nil
}

// Cancel requests that a running or paused run transition to failed at its
// next turn boundary (or immediately, if currently paused). Idempotent if
// the run is already terminal.
func (k *Kernel) Cancel(ctx context.Context, runID string) error {
	run, err := k.runs.GetAgentRun(ctx, runID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "load run for cancel", err)
	}
	if run == nil {
		return apperr.New(apperr.KindValidation, "no such run: "+runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	ctl, ok := k.controls.get(runID)
	if !ok {
		return apperr.New(apperr.KindStateConflict, "run is not actively executing: "+runID)
	}
	ctl.signalCancel()
	return nil
}

// pauseAndWait transitions run to paused, records the pause, and blocks
// until resumed or canceled. It returns (true, nil) if the wait ended in
// cancellation (the run is already terminal on return).
func (k *Kernel) pauseAndWait(ctx context.Context, run *model.AgentRun, ctl *runControl) (bool, error) {
	now := time.Now().UTC()
	if err := run.Transition(model.RunStatusPaused, now); err != nil {
		return false, err
	}
	if err := k.persistRun(ctx, run); err != nil {
		return false, err
	}
	if err := k.record(ctx, run.ID, model.EventPaused, nil); err != nil {
		k.log.Error("failed to record paused event", "run_id", run.ID, "error", err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-ctl.cancelCh:
		if _, err := k.finishCanceled(ctx, run); err != nil {
			return true, err
		}
		return true, nil
	case <-ctl.resumeCh:
		now := time.Now().UTC()
		if err := run.Transition(model.RunStatusRunning, now); err != nil {
			return false, err
		}
		if err := k.persistRun(ctx, run); err != nil {
			return false, err
		}
		if err := k.record(ctx, run.ID, model.EventResumed, nil); err != nil {
			k.log.Error("failed to record resumed event", "run_id", run.ID, "error", err)
		}
		return false, nil
	}
}
