package kernel

import (
	"context"
	"time"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// RecoverOrphans implements spec.md §4.1's crash-recovery scan: every run
// left in pending or running whose started_at (or created_at, if it never
// started) exceeds the largest allowed timeout is transitioned to failed
// with error="orphaned_on_restart". The bound is the global timeout
// ceiling, not any one spec's timeout_seconds, since a crash-recovery scan
// runs before any AgentSpec is loaded for the orphaned rows.
func (k *Kernel) RecoverOrphans(ctx context.Context) ([]*model.AgentRun, error) {
	orphans, err := k.runs.ListOrphanedRuns(ctx)
	if err != nil {
		return nil, err
	}

	bound := time.Duration(model.MaxTimeoutSeconds) * time.Second
	now := time.Now().UTC()
	var recovered []*model.AgentRun

	for _, r := range orphans {
		reference := r.CreatedAt
		if r.StartedAt != nil {
			reference = *r.StartedAt
		}
		if now.Sub(reference) < bound {
			continue
		}

		if err := r.Transition(model.RunStatusFailed, now); err != nil {
			k.log.Error("cannot recover orphaned run", "run_id", r.ID, "status", string(r.Status), "error", err)
			continue
		}
		msg := "orphaned_on_restart"
		r.Error = &msg
		verdict := model.VerdictError
		r.FinalVerdict = &verdict

		if err := k.persistRun(ctx, r); err != nil {
			return recovered, err
		}
		if err := k.record(ctx, r.ID, model.EventFailed, map[string]any{"error": msg}); err != nil {
			k.log.Error("failed to record orphan recovery event", "run_id", r.ID, "error", err)
		}
		recovered = append(recovered, r)
	}

	return recovered, nil
}
