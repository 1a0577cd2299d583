package planrun

import (
	"context"
	"fmt"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// Decision is the outcome of a human approval response.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

const rejectedCascadeSummary = "cancelled: upstream rejected"

// ResolveApproval transitions a step out of waiting_approval, invoked by
// the approval gate once it has authenticated and authorized the request.
func (r *Runtime) ResolveApproval(ctx context.Context, planID, stepID string, decision Decision, summary string) error {
	return r.withPlanLock(planID, func() error {
		row, ok, err := r.store.GetStep(ctx, planID, stepID)
		if err != nil {
			return fmt.Errorf("planrun: loading step: %w", err)
		}
		if !ok {
			return apperr.NotFound("step not found")
		}
		if row.State != planmodel.StepWaitingApproval {
			return apperr.Conflict("step is not awaiting approval")
		}

		switch decision {
		case DecisionApprove:
			return r.resolveApprove(ctx, planID, stepID, row, summary)
		case DecisionReject:
			return r.resolveReject(ctx, planID, stepID, row, summary)
		default:
			return apperr.InvalidRequest("unrecognised approval decision")
		}
	})
}

func (r *Runtime) resolveApprove(ctx context.Context, planID, stepID string, row planmodel.PersistedStep, summary string) error {
	if err := r.store.SetState(ctx, planID, stepID, planmodel.StepQueued, summary, nil, row.Attempt); err != nil {
		return fmt.Errorf("planrun: transitioning step to queued: %w", err)
	}
	// The idempotency key is already reserved from Submit; this is a
	// republish of the same logical message, not a new one.
	if err := r.enqueueStep(ctx, planID, row.TraceID, row.Step, row.Attempt, "", row.Subject, row.IdempotencyKey, true); err != nil {
		return err
	}
	r.publishStep(planID, row.TraceID, row.Step, planmodel.StepQueued, summary, nil)
	return nil
}

func (r *Runtime) resolveReject(ctx context.Context, planID, stepID string, row planmodel.PersistedStep, summary string) error {
	if err := r.store.SetState(ctx, planID, stepID, planmodel.StepRejected, summary, nil, row.Attempt); err != nil {
		return fmt.Errorf("planrun: transitioning step to rejected: %w", err)
	}
	r.publishStep(planID, row.TraceID, row.Step, planmodel.StepRejected, summary, nil)
	_ = r.dedupe.Release(ctx, row.IdempotencyKey)

	return r.cascadeReject(ctx, planID)
}

// cascadeReject marks every remaining queued step of the plan as rejected,
// short-circuiting the plan instead of letting release-next continue.
func (r *Runtime) cascadeReject(ctx context.Context, planID string) error {
	meta, ok, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return fmt.Errorf("planrun: loading plan metadata: %w", err)
	}
	if !ok {
		return nil
	}

	for _, sm := range meta.Steps {
		row, ok, err := r.store.GetStep(ctx, planID, sm.Step.ID)
		if err != nil {
			return fmt.Errorf("planrun: loading step %s: %w", sm.Step.ID, err)
		}
		if !ok || row.State != planmodel.StepQueued {
			continue
		}
		if err := r.store.SetState(ctx, planID, sm.Step.ID, planmodel.StepRejected, rejectedCascadeSummary, nil, row.Attempt); err != nil {
			return fmt.Errorf("planrun: cascading rejection to step %s: %w", sm.Step.ID, err)
		}
		r.publishStep(planID, row.TraceID, row.Step, planmodel.StepRejected, rejectedCascadeSummary, nil)
		_ = r.dedupe.Release(ctx, row.IdempotencyKey)
	}
	return nil
}
