package planrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
)

// handleCompletionDelivery consumes completion messages: it validates the
// message against the persisted step row before trusting it, so a forged
// completion for a step this system never ran (or already resolved) is
// dead-lettered rather than applied.
func (r *Runtime) handleCompletionDelivery(ctx context.Context, d queueadapter.Delivery) error {
	log := slog.With("worker_id", r.cfg.WorkerID, "pod_id", r.cfg.PodID)

	var msg completionMessage
	if err := json.Unmarshal(d.Payload(), &msg); err != nil {
		log.Warn("planrun: discarding unparseable completion message", "error", err)
		return d.Ack()
	}
	log = log.With("plan_id", msg.PlanID, "step_id", msg.StepID, "trace_id", msg.TraceID)

	row, ok, err := r.store.GetStep(ctx, msg.PlanID, msg.StepID)
	if err != nil {
		return fmt.Errorf("planrun: loading step for completion: %w", err)
	}
	if !ok || row.State.Terminal() {
		log.Warn("planrun: dead-lettering forged completion: no matching active step")
		return d.DeadLetter(ctx, "forged completion: step not found or already terminal")
	}

	reserved, err := r.dedupe.IsReserved(ctx, row.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("planrun: checking idempotency reservation: %w", err)
	}
	if !reserved {
		log.Warn("planrun: dead-lettering forged completion: idempotency key not reserved")
		return d.DeadLetter(ctx, "forged completion: idempotency key not reserved")
	}

	var err2 error
	err2 = r.withPlanLock(msg.PlanID, func() error {
		if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, msg.State, msg.Summary, msg.Output, msg.Attempt); err != nil {
			return fmt.Errorf("planrun: persisting completion state: %w", err)
		}
		r.publishStep(msg.PlanID, msg.TraceID, row.Step, msg.State, msg.Summary, msg.Output)

		if msg.State.Terminal() {
			_ = r.dedupe.Release(ctx, row.IdempotencyKey)
		}

		if msg.State == planmodel.StepCompleted {
			if err := r.advanceLastCompleted(ctx, msg.PlanID, msg.StepID); err != nil {
				return err
			}
		}

		return r.releaseNextLocked(ctx, msg.PlanID, msg.RequestID)
	})
	if err2 != nil {
		return err2
	}

	return d.Ack()
}

// advanceLastCompleted marks the completed step's index as the plan's new
// LastCompletedIndex, which release-next uses to decide a successor's
// predecessor is satisfied.
func (r *Runtime) advanceLastCompleted(ctx context.Context, planID, stepID string) error {
	meta, ok, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return fmt.Errorf("planrun: loading plan metadata: %w", err)
	}
	if !ok {
		return nil
	}
	for i, sm := range meta.Steps {
		if sm.Step.ID == stepID {
			if i > meta.LastCompletedIndex {
				meta.LastCompletedIndex = i
			}
			break
		}
	}
	return r.store.RememberPlanMetadata(ctx, meta)
}
