package planrun

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// Recover rehydrates in-flight work after a restart: every {queued,
// running} step has its idempotency key re-reserved and is re-enqueued
// with skip_dedup, since the key may already be reserved from before the
// crash. waiting_approval steps are left idle for a human to resolve.
func (r *Runtime) Recover(ctx context.Context) error {
	rows, err := r.store.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("planrun: listing active steps: %w", err)
	}

	for _, row := range rows {
		if row.State != planmodel.StepQueued && row.State != planmodel.StepRunning {
			continue
		}

		if _, err := r.dedupe.TryReserve(ctx, row.IdempotencyKey, r.cfg.DedupTTL); err != nil {
			slog.Error("planrun: re-reserving idempotency key during recovery", "plan_id", row.PlanID, "step_id", row.StepID, "error", err)
			continue
		}

		if row.State == planmodel.StepRunning {
			if err := r.store.SetState(ctx, row.PlanID, row.StepID, planmodel.StepQueued, "recovered after restart", nil, row.Attempt); err != nil {
				slog.Error("planrun: resetting recovered step to queued", "plan_id", row.PlanID, "step_id", row.StepID, "error", err)
				continue
			}
		}

		if err := r.enqueueStep(ctx, row.PlanID, row.TraceID, row.Step, row.Attempt, "", row.Subject, row.IdempotencyKey, true); err != nil {
			slog.Error("planrun: re-enqueueing recovered step", "plan_id", row.PlanID, "step_id", row.StepID, "error", err)
		}
	}
	return nil
}
