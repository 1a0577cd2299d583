package planrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
)

// Run starts both the step-topic worker and the completions-topic
// consumer, blocking until ctx is cancelled or either consumer returns an
// unrecoverable error.
func (r *Runtime) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- r.queue.Consume(ctx, r.cfg.StepQueue, r.handleStepDelivery) }()
	go func() { errCh <- r.queue.Consume(ctx, r.cfg.CompletionQueue, r.handleCompletionDelivery) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// handleStepDelivery implements the "Worker loop (step topic)" algorithm.
func (r *Runtime) handleStepDelivery(ctx context.Context, d queueadapter.Delivery) error {
	log := slog.With("worker_id", r.cfg.WorkerID, "pod_id", r.cfg.PodID)

	var msg stepTaskMessage
	if err := json.Unmarshal(d.Payload(), &msg); err != nil {
		log.Warn("planrun: discarding unparseable step message", "error", err)
		return d.Ack()
	}
	log = log.With("plan_id", msg.PlanID, "step_id", msg.StepID, "trace_id", msg.TraceID)

	row, ok, err := r.store.GetStep(ctx, msg.PlanID, msg.StepID)
	if err != nil {
		return fmt.Errorf("planrun: loading step: %w", err)
	}
	if !ok || (row.State != planmodel.StepQueued && row.State != planmodel.StepRunning) {
		// Late message for a step already resolved (or never enqueued by
		// this system — forged), per the forged-completion defense.
		log.Info("planrun: ignoring step message for non-active step")
		return d.Ack()
	}

	if r.policy != nil {
		if allow, deny := r.policy.EnforcePlanStep(ctx, row.Step, row.Subject); !allow {
			reasons := denySummary(deny)
			if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, planmodel.StepFailed, reasons, nil, row.Attempt); err != nil {
				return fmt.Errorf("planrun: persisting policy-denied step: %w", err)
			}
			r.publishStep(msg.PlanID, msg.TraceID, row.Step, planmodel.StepFailed, reasons, nil)
			_ = r.dedupe.Release(ctx, row.IdempotencyKey)
			return d.Ack()
		}
	}

	if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, planmodel.StepRunning, "", nil, row.Attempt); err != nil {
		return fmt.Errorf("planrun: transitioning step to running: %w", err)
	}
	r.publishStep(msg.PlanID, msg.TraceID, row.Step, planmodel.StepRunning, "", nil)

	events, err := r.tools.ExecuteTool(ctx, ToolInvocation{
		PlanID:         msg.PlanID,
		StepID:         msg.StepID,
		Tool:           row.Step.Tool,
		Capability:     row.Step.Capability,
		Input:          row.Step.Input,
		TimeoutSeconds: row.Step.TimeoutSeconds,
		TraceID:        msg.TraceID,
	})
	if err != nil {
		return r.handleStepFailure(ctx, d, log, msg, row, true, fmt.Sprintf("tool agent invocation failed: %v", err))
	}

	var terminal *ToolEvent
	for evt := range events {
		evt := evt
		if evt.State.Terminal() {
			terminal = &evt
			break
		}
	}
	if terminal == nil {
		return r.handleStepFailure(ctx, d, log, msg, row, true, "tool agent closed without a terminal event")
	}

	// Only success is routed through the completions topic: that path is
	// what calls release-next to advance the plan. A failure (transient
	// or permanent) is handled directly against this delivery — retried
	// or dead-lettered in place — and simply halts the plan at this step;
	// only an explicit rejection cascades to later steps.
	if terminal.State == planmodel.StepCompleted {
		return r.publishCompletion(ctx, d, msg, row, terminal.State, terminal.Summary, terminal.Output)
	}

	return r.handleStepFailure(ctx, d, log, msg, row, terminal.Retryable, terminal.Summary)
}

// handleStepFailure applies the retry/dead-letter branch of the worker
// loop: retryable failures under the attempt cap get redelivered with
// backoff; everything else is dead-lettered.
func (r *Runtime) handleStepFailure(ctx context.Context, d queueadapter.Delivery, log *slog.Logger, msg stepTaskMessage, row planmodel.PersistedStep, retryable bool, reason string) error {
	attempt := row.Attempt + 1
	if retryable && attempt < r.cfg.MaxAttempts {
		if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, planmodel.StepQueued, reason, nil, attempt); err != nil {
			return fmt.Errorf("planrun: persisting retry: %w", err)
		}
		delay := r.cfg.Backoff(attempt)
		log.Info("planrun: retrying step", "attempt", attempt, "delay", delay, "reason", reason)
		return d.Retry(ctx, delay)
	}

	if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, planmodel.StepDeadLettered, reason, nil, attempt); err != nil {
		return fmt.Errorf("planrun: persisting dead-letter: %w", err)
	}
	r.publishStep(msg.PlanID, msg.TraceID, row.Step, planmodel.StepDeadLettered, reason, nil)
	_ = r.dedupe.Release(ctx, row.IdempotencyKey)
	log.Warn("planrun: step dead-lettered", "reason", reason)
	return d.DeadLetter(ctx, reason)
}

// publishCompletion enqueues the completion message for the completions
// topic and acks the original step delivery; the completion consumer is
// the sole writer of the step's final state.
func (r *Runtime) publishCompletion(ctx context.Context, d queueadapter.Delivery, msg stepTaskMessage, row planmodel.PersistedStep, state planmodel.PlanStepState, summary string, output map[string]any) error {
	completion := completionMessage{
		PlanID:     msg.PlanID,
		StepID:     msg.StepID,
		State:      state,
		Summary:    summary,
		Output:     output,
		Attempt:    row.Attempt,
		RequestID:  msg.RequestID,
		TraceID:    msg.TraceID,
		OccurredAt: time.Now(),
		Approvals:  row.Approvals,
	}
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("planrun: marshaling completion: %w", err)
	}

	completionKey := planmodel.CompletionIdempotencyKey(msg.PlanID, msg.StepID)
	if err := r.queue.Enqueue(ctx, r.cfg.CompletionQueue, payload, queueadapter.EnqueueOptions{
		IdempotencyKey: completionKey,
		Headers: queueadapter.Headers{
			queueadapter.HeaderTraceID: msg.TraceID,
		},
	}); err != nil {
		return fmt.Errorf("planrun: enqueueing completion: %w", err)
	}

	return d.Ack()
}

func denySummary(deny []PolicyDeny) string {
	if len(deny) == 0 {
		return "denied by capability policy"
	}
	return "denied: " + deny[0].Reason
}
