package planrun

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/dedup"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
)

// scriptedToolAgent replays a fixed sequence of ToolEvents for each step,
// regardless of how many times the step is invoked (so a retry test can
// reuse the same script across attempts).
type scriptedToolAgent struct {
	scripts map[string][]ToolEvent
	calls   map[string]int
}

func newScriptedToolAgent() *scriptedToolAgent {
	return &scriptedToolAgent{scripts: make(map[string][]ToolEvent), calls: make(map[string]int)}
}

func (a *scriptedToolAgent) ExecuteTool(_ context.Context, inv ToolInvocation) (<-chan ToolEvent, error) {
	a.calls[inv.StepID]++
	script := a.scripts[inv.StepID]
	if len(script) == 0 {
		script = []ToolEvent{{State: planmodel.StepCompleted, Summary: "default"}}
	}
	attempt := a.calls[inv.StepID]
	idx := attempt - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	if idx < 0 {
		idx = 0
	}

	ch := make(chan ToolEvent, 1)
	ch <- script[idx]
	close(ch)
	return ch, nil
}

func newTestRuntime(t *testing.T) (*Runtime, *scriptedToolAgent, planstate.Store, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	store := planstate.NewFileStore(filepath.Join(dir, "state.json"), 0)
	t.Cleanup(func() { _ = store.Close() })

	dedupe := dedup.NewMemoryService(time.Minute)
	t.Cleanup(func() { _ = dedupe.Close() })

	queue := queueadapter.NewMemoryAdapter(dedupe, nil, "test", 5, 10*time.Millisecond)
	t.Cleanup(func() { _ = queue.Close() })

	bus := eventbus.New(50, 50)
	tools := newScriptedToolAgent()

	rt := New(store, bus, queue, dedupe, nil, tools, Config{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rt.Run(ctx) }()

	return rt, tools, store, bus
}

func simplePlan(steps ...planmodel.PlanStep) planmodel.Plan {
	return planmodel.Plan{
		ID:    planmodel.NewPlanID(),
		Goal:  "test goal",
		Steps: steps,
		Owner: planmodel.Subject{UserID: "user-1", TenantID: "tenant-1"},
	}
}

func waitForPlanMetadata(t *testing.T, store planstate.Store, planID string, cond func(planmodel.PersistedPlanMetadata) bool) planmodel.PersistedPlanMetadata {
	t.Helper()
	var meta planmodel.PersistedPlanMetadata
	require.Eventually(t, func() bool {
		m, ok, err := store.GetPlanMetadata(context.Background(), planID)
		if err != nil || !ok {
			return false
		}
		meta = m
		return cond(m)
	}, 2*time.Second, 5*time.Millisecond)
	return meta
}

func TestSubmitRunsTwoStepPlanToCompletion(t *testing.T) {
	rt, tools, store, _ := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "do-1", Tool: "echo", Capability: "shell.exec"}
	s2 := planmodel.PlanStep{ID: "s2", Action: "do-2", Tool: "echo", Capability: "shell.exec"}
	plan := simplePlan(s1, s2)

	tools.scripts["s1"] = []ToolEvent{{State: planmodel.StepCompleted, Summary: "ok"}}
	tools.scripts["s2"] = []ToolEvent{{State: planmodel.StepCompleted, Summary: "ok"}}

	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	waitForPlanMetadata(t, store, plan.ID, func(m planmodel.PersistedPlanMetadata) bool {
		return m.LastCompletedIndex == 1
	})

	_, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "terminal step rows are deleted")
}

func TestSubmitApprovalGatedStepWaitsThenResolves(t *testing.T) {
	rt, tools, store, _ := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "needs-approval", Tool: "deploy", Capability: "deploy.apply", ApprovalRequired: true}
	plan := simplePlan(s1)
	tools.scripts["s1"] = []ToolEvent{{State: planmodel.StepCompleted, Summary: "deployed"}}

	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	require.Eventually(t, func() bool {
		row, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
		return err == nil && ok && row.State == planmodel.StepWaitingApproval
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rt.ResolveApproval(context.Background(), plan.ID, "s1", DecisionApprove, "Approved: looks good"))

	waitForPlanMetadata(t, store, plan.ID, func(m planmodel.PersistedPlanMetadata) bool {
		return m.LastCompletedIndex == 0
	})
}

func TestResolveApprovalRejectIsTerminalAndCascades(t *testing.T) {
	rt, _, store, _ := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "a1", ApprovalRequired: true}
	s2 := planmodel.PlanStep{ID: "s2", Action: "a2"}
	plan := simplePlan(s1, s2)

	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	require.Eventually(t, func() bool {
		row, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
		return err == nil && ok && row.State == planmodel.StepWaitingApproval
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rt.ResolveApproval(context.Background(), plan.ID, "s1", DecisionReject, "Rejected: not needed"))

	require.Eventually(t, func() bool {
		_, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)

	// s2 was still queued (never released, since s1 never completed) and
	// must be cascade-rejected rather than left stranded.
	require.Eventually(t, func() bool {
		_, ok, err := store.GetStep(context.Background(), plan.ID, "s2")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}

func TestResolveApprovalOnNonWaitingStepIsConflict(t *testing.T) {
	rt, _, store, _ := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "a1"}
	plan := simplePlan(s1)
	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	// s1 has no approval requirement, so it goes straight to queued/running,
	// never waiting_approval.
	require.Eventually(t, func() bool {
		_, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	err := rt.ResolveApproval(context.Background(), plan.ID, "s1", DecisionApprove, "")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConflict, appErr.Code)
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	rt, tools, store, _ := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "flaky"}
	plan := simplePlan(s1)
	tools.scripts["s1"] = []ToolEvent{
		{State: planmodel.StepFailed, Summary: "transient", Retryable: true},
		{State: planmodel.StepFailed, Summary: "transient", Retryable: true},
		{State: planmodel.StepCompleted, Summary: "ok"},
	}

	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	waitForPlanMetadata(t, store, plan.ID, func(m planmodel.PersistedPlanMetadata) bool {
		return m.LastCompletedIndex == 0
	})
	assert.GreaterOrEqual(t, tools.calls["s1"], 3)
}

func TestWorkerDeadLettersPermanentFailure(t *testing.T) {
	rt, tools, store, bus := newTestRuntime(t)

	s1 := planmodel.PlanStep{ID: "s1", Action: "doomed"}
	plan := simplePlan(s1)
	tools.scripts["s1"] = []ToolEvent{{State: planmodel.StepFailed, Summary: "permanent", Retryable: false}}

	var gotState planmodel.PlanStepState
	done := make(chan struct{})
	unsub := bus.Subscribe(context.Background(), plan.ID, func(evt planmodel.PlanStepEvent) {
		if evt.Step.State.Terminal() {
			gotState = evt.Step.State
			close(done)
		}
	})
	defer unsub()

	require.NoError(t, rt.Submit(context.Background(), plan, "trace-1", "req-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead-letter event")
	}
	assert.Equal(t, planmodel.StepDeadLettered, gotState)

	_, ok, err := store.GetStep(context.Background(), plan.ID, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompletionConsumerDeadLettersForgedMessage(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t)

	forged := completionMessage{
		PlanID:  "plan-does-not-exist",
		StepID:  "s1",
		State:   planmodel.StepCompleted,
		Summary: "forged",
	}
	payload, err := json.Marshal(forged)
	require.NoError(t, err)

	var dlReason string
	dlCh := make(chan struct{})
	delivery := &fakeDelivery{
		payload: payload,
		onDeadLetter: func(reason string) {
			dlReason = reason
			close(dlCh)
		},
	}

	err = rt.handleCompletionDelivery(context.Background(), delivery)
	require.NoError(t, err)
	assert.True(t, delivery.deadLettered)
	assert.Contains(t, dlReason, "forged")
}

// fakeDelivery is a minimal queueadapter.Delivery for exercising handlers
// directly without routing through a real adapter's Consume loop.
type fakeDelivery struct {
	payload      []byte
	acked        bool
	deadLettered bool
	retried      bool
	onDeadLetter func(reason string)
}

func (d *fakeDelivery) Payload() []byte                { return d.payload }
func (d *fakeDelivery) Attempts() int                  { return 1 }
func (d *fakeDelivery) Headers() queueadapter.Headers  { return nil }
func (d *fakeDelivery) Ack() error                     { d.acked = true; return nil }
func (d *fakeDelivery) Retry(context.Context, time.Duration) error {
	d.retried = true
	return nil
}
func (d *fakeDelivery) DeadLetter(_ context.Context, reason string) error {
	d.deadLettered = true
	if d.onDeadLetter != nil {
		d.onDeadLetter(reason)
	}
	return nil
}
