package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
)

func TestQuotaAcquireReleaseRoundTrip(t *testing.T) {
	q := NewQuota(QuotaConfig{PerIP: 1, PerSubject: 1})

	release, ok := q.Acquire("10.0.0.1", "user-1")
	require.True(t, ok)
	assert.Equal(t, 1, q.IPCount("10.0.0.1"))

	_, ok = q.Acquire("10.0.0.1", "user-2")
	assert.False(t, ok, "ip cap exceeded")

	release()
	assert.Equal(t, 0, q.IPCount("10.0.0.1"))

	_, ok = q.Acquire("10.0.0.1", "user-2")
	assert.True(t, ok, "slot freed after release")
}

func TestQuotaReleaseIsIdempotent(t *testing.T) {
	q := NewQuota(QuotaConfig{PerIP: 2})
	release, ok := q.Acquire("10.0.0.1", "")
	require.True(t, ok)
	release()
	release()
	assert.Equal(t, 0, q.IPCount("10.0.0.1"))
}

func TestQuotaSubjectCapIndependentOfIP(t *testing.T) {
	q := NewQuota(QuotaConfig{PerSubject: 1})
	_, ok := q.Acquire("10.0.0.1", "user-1")
	require.True(t, ok)

	_, ok = q.Acquire("10.0.0.2", "user-1")
	assert.False(t, ok, "same subject from a different ip still hits the subject cap")
}

func TestStreamReplaysHistoryThenLiveEvents(t *testing.T) {
	bus := eventbus.New(50, 50)
	planID := "plan-1"
	bus.Publish(planmodel.NewPlanStepEvent("trace-1", planID, planmodel.PlanStep{ID: "s1"}, planmodel.StepQueued, "queued", nil))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Stream(ctx, rec, planID, bus, 5*time.Millisecond) }()

	bus.Publish(planmodel.NewPlanStepEvent("trace-1", planID, planmodel.PlanStep{ID: "s1"}, planmodel.StepRunning, "running", nil))

	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-done
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `"event":`)
	assert.Contains(t, body, "queued")
	assert.Contains(t, body, "running")
	assert.Contains(t, body, "event: plan.step")
	assert.Contains(t, body, ": keep-alive")
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "text/event-stream"))
}

func TestStreamWithNoHistoryStillSendsKeepalive(t *testing.T) {
	bus := eventbus.New(50, 50)
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Stream(ctx, rec, "plan-empty", bus, time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, rec.Body.String(), ": keep-alive")
}
