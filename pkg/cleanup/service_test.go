package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/authsession"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planstate"
)

func newTestStore(t *testing.T) planstate.Store {
	t.Helper()
	store := planstate.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPurgePlanArtifactsRemovesAgedMetadata(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(10, 10)
	ctx := context.Background()

	old := planmodel.PersistedPlanMetadata{PlanID: "plan-old", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := planmodel.PersistedPlanMetadata{PlanID: "plan-fresh", UpdatedAt: time.Now()}
	require.NoError(t, store.RememberPlanMetadata(ctx, old))
	require.NoError(t, store.RememberPlanMetadata(ctx, fresh))

	svc := NewService(Config{PlanArtifactRetention: 24 * time.Hour}, store, bus, nil)
	svc.runAll(ctx)

	_, ok, err := store.GetPlanMetadata(ctx, "plan-old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.GetPlanMetadata(ctx, "plan-fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgePlanArtifactsDisabledWhenRetentionZero(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(10, 10)
	ctx := context.Background()

	old := planmodel.PersistedPlanMetadata{PlanID: "plan-old", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, store.RememberPlanMetadata(ctx, old))

	svc := NewService(Config{}, store, bus, nil)
	svc.runAll(ctx)

	_, ok, err := store.GetPlanMetadata(ctx, "plan-old")
	require.NoError(t, err)
	assert.True(t, ok, "zero retention must disable purging")
}

func TestSweepSessionsEvictsExpired(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(10, 10)
	sessions := authsession.NewStore()
	sessions.Put(authsession.SessionRecord{ID: "expired", ExpiresAt: time.Now().Add(-time.Minute)})
	sessions.Put(authsession.SessionRecord{ID: "live", ExpiresAt: time.Now().Add(time.Hour)})

	svc := NewService(Config{}, store, bus, sessions)
	svc.runAll(context.Background())

	assert.Equal(t, 1, sessions.Len())
}

func TestSweepSessionsSkippedWhenStoreNil(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(10, 10)
	svc := NewService(Config{}, store, bus, nil)
	svc.runAll(context.Background())
}

func TestStartStopIsIdempotentAndRunsImmediately(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(10, 10)
	sessions := authsession.NewStore()
	sessions.Put(authsession.SessionRecord{ID: "expired", ExpiresAt: time.Now().Add(-time.Minute)})

	svc := NewService(Config{CleanupInterval: time.Hour}, store, bus, sessions)
	svc.Start(context.Background())
	svc.Start(context.Background()) // second call is a no-op

	require.Eventually(t, func() bool {
		return sessions.Len() == 0
	}, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop() // second call is a no-op
}
