package planstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(filepath.Join(dir, "state.json"), 0)
}

func TestFileStoreRememberAndGetStep(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	step := planmodel.PlanStep{ID: "s1", Action: "do", Capability: "shell.exec"}
	err := s.RememberStep(ctx, "plan-1", step, "trace-1", RememberStepOptions{
		InitialState:   planmodel.StepQueued,
		IdempotencyKey: "plan-1:s1",
		Subject:        planmodel.Subject{UserID: "user-1"},
	})
	require.NoError(t, err)

	got, ok, err := s.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, planmodel.StepQueued, got.State)
	assert.Equal(t, "shell.exec", got.Step.Capability)
	assert.Equal(t, "trace-1", got.TraceID)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s1 := NewFileStore(path, 0)
	step := planmodel.PlanStep{ID: "s1", Action: "do"}
	require.NoError(t, s1.RememberStep(ctx, "plan-1", step, "trace-1", RememberStepOptions{InitialState: planmodel.StepQueued}))

	s2 := NewFileStore(path, 0)
	got, ok, err := s2.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "plan-1", got.PlanID)
}

func TestFileStoreSetStateTerminalDeletesRow(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	step := planmodel.PlanStep{ID: "s1"}
	require.NoError(t, s.RememberStep(ctx, "plan-1", step, "trace-1", RememberStepOptions{InitialState: planmodel.StepRunning}))

	require.NoError(t, s.SetState(ctx, "plan-1", "s1", planmodel.StepCompleted, "done", map[string]any{"ok": true}, 1))

	_, ok, err := s.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreSetStateNonTerminalUpdatesRow(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	step := planmodel.PlanStep{ID: "s1"}
	require.NoError(t, s.RememberStep(ctx, "plan-1", step, "trace-1", RememberStepOptions{InitialState: planmodel.StepQueued}))

	require.NoError(t, s.SetState(ctx, "plan-1", "s1", planmodel.StepRunning, "", nil, 1))

	got, ok, err := s.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, planmodel.StepRunning, got.State)
	assert.Equal(t, 1, got.Attempt)
}

func TestFileStoreSetStateMissingRowReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	err := s.SetState(ctx, "plan-1", "missing", planmodel.StepRunning, "", nil, 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRecordApproval(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	step := planmodel.PlanStep{ID: "s1"}
	require.NoError(t, s.RememberStep(ctx, "plan-1", step, "trace-1", RememberStepOptions{InitialState: planmodel.StepWaitingApproval}))
	require.NoError(t, s.RecordApproval(ctx, "plan-1", "s1", "shell.exec", true))

	got, ok, err := s.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Approvals["shell.exec"])
}

func TestFileStorePlanMetadataCRUD(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	meta := planmodel.PersistedPlanMetadata{
		PlanID:  "plan-1",
		TraceID: "trace-1",
		Steps:   []planmodel.StepMetadata{{Step: planmodel.PlanStep{ID: "s1"}}},
	}
	require.NoError(t, s.RememberPlanMetadata(ctx, meta))

	got, ok, err := s.GetPlanMetadata(ctx, "plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Steps, 1)

	all, err := s.ListPlanMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.ForgetPlanMetadata(ctx, "plan-1"))
	_, ok, err = s.GetPlanMetadata(ctx, "plan-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreListActiveStepsExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.RememberStep(ctx, "plan-1", planmodel.PlanStep{ID: "s1"}, "trace-1", RememberStepOptions{InitialState: planmodel.StepRunning}))
	require.NoError(t, s.RememberStep(ctx, "plan-1", planmodel.PlanStep{ID: "s2"}, "trace-1", RememberStepOptions{InitialState: planmodel.StepQueued}))

	active, err := s.ListActiveSteps(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestFileStoreForgetStep(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.RememberStep(ctx, "plan-1", planmodel.PlanStep{ID: "s1"}, "trace-1", RememberStepOptions{InitialState: planmodel.StepRunning}))
	require.NoError(t, s.ForgetStep(ctx, "plan-1", "s1"))

	_, ok, err := s.GetStep(ctx, "plan-1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.RememberStep(ctx, "plan-1", planmodel.PlanStep{ID: "s1"}, "trace-1", RememberStepOptions{InitialState: planmodel.StepRunning}))
	require.NoError(t, s.Clear(ctx))

	active, err := s.ListActiveSteps(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFileStoreGetEntryByRowID(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.RememberStep(ctx, "plan-1", planmodel.PlanStep{ID: "s1"}, "trace-1", RememberStepOptions{InitialState: planmodel.StepRunning}))

	got, ok, err := s.GetEntry(ctx, "plan-1:s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", got.StepID)
}
