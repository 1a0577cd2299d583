package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

func newTestEvent(planID, stepID string, state planmodel.PlanStepState) planmodel.PlanStepEvent {
	return planmodel.NewPlanStepEvent("trace-1", planID, planmodel.PlanStep{ID: stepID, Action: "do"}, state, "", nil)
}

func TestBusPublishDeliversInOrder(t *testing.T) {
	b := New(10, 10)

	var mu sync.Mutex
	var received []planmodel.PlanStepState

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	b.Subscribe(ctx, "plan-1", func(e planmodel.PlanStepEvent) {
		mu.Lock()
		received = append(received, e.Step.State)
		n := len(received)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepQueued))
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepRunning))
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepCompleted))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []planmodel.PlanStepState{planmodel.StepQueued, planmodel.StepRunning, planmodel.StepCompleted}, received)
}

func TestBusHistoryBounded(t *testing.T) {
	b := New(2, 10)

	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepQueued))
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepRunning))
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepCompleted))

	hist := b.GetHistory("plan-1")
	require.Len(t, hist, 2)
	assert.Equal(t, planmodel.StepRunning, hist[0].Step.State)
	assert.Equal(t, planmodel.StepCompleted, hist[1].Step.State)
}

func TestBusGetLatestStepEvent(t *testing.T) {
	b := New(10, 10)
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepQueued))
	b.Publish(newTestEvent("plan-1", "s2", planmodel.StepRunning))

	evt, ok := b.GetLatestStepEvent("plan-1", "s1")
	require.True(t, ok)
	assert.Equal(t, planmodel.StepQueued, evt.Step.State)

	_, ok = b.GetLatestStepEvent("plan-1", "unknown")
	assert.False(t, ok)
}

func TestBusSlowConsumerDropped(t *testing.T) {
	var droppedCause DropCause
	var mu sync.Mutex
	b := New(10, 1, WithOnSubscriberDrop(func(_, _ string, cause DropCause) {
		mu.Lock()
		droppedCause = cause
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	b.Subscribe(ctx, "plan-1", func(_ planmodel.PlanStepEvent) {
		<-block // never returns until test unblocks it
	})

	// First event occupies the handler goroutine; the rest overflow the
	// size-1 buffer and should cause a drop.
	for i := 0; i < 5; i++ {
		b.Publish(newTestEvent("plan-1", "s1", planmodel.StepRunning))
	}
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return droppedCause == DropSlowConsumer
	}, time.Second, 10*time.Millisecond)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New(10, 10)
	ctx := context.Background()

	var count int32
	var mu sync.Mutex
	unsub := b.Subscribe(ctx, "plan-1", func(_ planmodel.PlanStepEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepQueued))
	time.Sleep(20 * time.Millisecond)
	unsub()
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepRunning))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), count)
}

func TestBusClearPlanHistory(t *testing.T) {
	b := New(10, 10)
	b.Publish(newTestEvent("plan-1", "s1", planmodel.StepQueued))
	require.Len(t, b.GetHistory("plan-1"), 1)

	b.ClearPlanHistory("plan-1")
	assert.Empty(t, b.GetHistory("plan-1"))
}
