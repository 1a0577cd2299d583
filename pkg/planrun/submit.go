package planrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
)

// Submit persists a freshly-created plan and its steps, then releases
// whichever leading steps are immediately executable.
func (r *Runtime) Submit(ctx context.Context, plan planmodel.Plan, traceID, requestID string) error {
	log := slog.With("plan_id", plan.ID, "trace_id", traceID)

	var reserved []string
	rollback := func() {
		for _, key := range reserved {
			_ = r.dedupe.Release(context.Background(), key)
		}
		_ = r.store.ForgetPlanMetadata(context.Background(), plan.ID)
		for _, step := range plan.Steps {
			_ = r.store.ForgetStep(context.Background(), plan.ID, step.ID)
		}
	}

	err := r.withPlanLock(plan.ID, func() error {
		now := time.Now()

		steps := make([]planmodel.StepMetadata, len(plan.Steps))
		for i, step := range plan.Steps {
			steps[i] = planmodel.StepMetadata{Step: step.Clone(), CreatedAt: now, Attempt: 0, Subject: plan.Owner.Clone()}
		}
		meta := planmodel.PersistedPlanMetadata{
			PlanID:             plan.ID,
			TraceID:            traceID,
			Steps:              steps,
			NextStepIndex:      0,
			LastCompletedIndex: -1,
			Owner:              plan.Owner.Clone(),
		}
		if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
			return fmt.Errorf("planrun: persisting plan metadata: %w", err)
		}

		for _, step := range plan.Steps {
			key := planmodel.IdempotencyKey(plan.ID, step.ID)
			ok, err := r.dedupe.TryReserve(ctx, key, r.cfg.DedupTTL)
			if err != nil {
				return fmt.Errorf("planrun: reserving idempotency key: %w", err)
			}
			if ok {
				reserved = append(reserved, key)
			}

			initial := planmodel.StepQueued
			if err := r.store.RememberStep(ctx, plan.ID, step, traceID, planstate.RememberStepOptions{
				InitialState:   initial,
				IdempotencyKey: key,
				Attempt:        0,
				CreatedAt:      now,
				Subject:        plan.Owner,
			}); err != nil {
				return fmt.Errorf("planrun: persisting step %s: %w", step.ID, err)
			}
		}

		return r.releaseNextLocked(ctx, plan.ID, requestID)
	})
	if err != nil {
		rollback()
		log.Error("plan submission failed", "error", err)
		return err
	}
	return nil
}

// releaseNextLocked implements "Release-next": scanning forward from
// NextStepIndex, it enqueues (or moves to waiting_approval) the first
// queued step whose predecessor has completed, then advances
// NextStepIndex past it. Must be called holding planID's lock.
func (r *Runtime) releaseNextLocked(ctx context.Context, planID, requestID string) error {
	meta, ok, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return fmt.Errorf("planrun: loading plan metadata: %w", err)
	}
	if !ok {
		return apperr.NotFound("plan not found")
	}

	for i := meta.NextStepIndex; i < len(meta.Steps); i++ {
		predecessorOK := i == 0 || meta.LastCompletedIndex >= i-1
		if !predecessorOK {
			break
		}

		stepMeta := meta.Steps[i]
		row, ok, err := r.store.GetStep(ctx, planID, stepMeta.Step.ID)
		if err != nil {
			return fmt.Errorf("planrun: loading step %s: %w", stepMeta.Step.ID, err)
		}
		if !ok || row.State != planmodel.StepQueued {
			// Already advanced past (or terminated) by a concurrent path;
			// keep scanning so a later step isn't starved.
			continue
		}

		if stepMeta.Step.ApprovalRequired {
			if err := r.store.SetState(ctx, planID, stepMeta.Step.ID, planmodel.StepWaitingApproval, "Awaiting approval", nil, row.Attempt); err != nil {
				return fmt.Errorf("planrun: transitioning step %s to waiting_approval: %w", stepMeta.Step.ID, err)
			}
			r.publishStep(planID, row.TraceID, stepMeta.Step, planmodel.StepWaitingApproval, "Awaiting approval", nil)
		} else {
			// skip_dedup=true: Submit already reserved this step's key up
			// front, so an approval-gated step's key is already reserved
			// by the time a human resolves it.
			if err := r.enqueueStep(ctx, planID, row.TraceID, stepMeta.Step, row.Attempt, requestID, row.Subject, row.IdempotencyKey, true); err != nil {
				return err
			}
		}

		meta.NextStepIndex = i + 1
		if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
			return fmt.Errorf("planrun: advancing next_step_index: %w", err)
		}
		return nil
	}

	return nil
}

func (r *Runtime) enqueueStep(ctx context.Context, planID, traceID string, step planmodel.PlanStep, attempt int, requestID string, subject planmodel.Subject, idempotencyKey string, skipDedup bool) error {
	msg := stepTaskMessage{
		PlanID:    planID,
		StepID:    step.ID,
		Step:      step,
		Attempt:   attempt,
		TraceID:   traceID,
		RequestID: requestID,
		Subject:   subject,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("planrun: marshaling step task: %w", err)
	}

	headers := queueadapter.Headers{
		queueadapter.HeaderTraceID:  traceID,
		queueadapter.HeaderAttempts: strconv.Itoa(attempt),
	}

	err = r.queue.Enqueue(ctx, r.cfg.StepQueue, payload, queueadapter.EnqueueOptions{
		IdempotencyKey: idempotencyKey,
		Headers:        headers,
		SkipDedup:      skipDedup,
	})
	if err != nil {
		// The runtime releases the reservation itself when publish fails,
		// since not every adapter guarantees it does so on its own.
		_ = r.dedupe.Release(context.Background(), idempotencyKey)
		return fmt.Errorf("planrun: enqueueing step %s: %w", step.ID, err)
	}
	return nil
}

func (r *Runtime) publishStep(planID, traceID string, step planmodel.PlanStep, state planmodel.PlanStepState, summary string, output map[string]any) {
	r.bus.Publish(planmodel.NewPlanStepEvent(traceID, planID, step, state, summary, output))
}
