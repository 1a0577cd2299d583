package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinBudget(t *testing.T) {
	m := NewManager(NewMemoryStore(), map[string]EndpointConfig{
		"POST /plan": {WindowMs: 1000, MaxRequests: 2},
	})

	allowed, _, err := m.Allow(context.Background(), "POST /plan", Identity{SubjectID: "user-1"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDeniesOverIdentityBudget(t *testing.T) {
	m := NewManager(NewMemoryStore(), map[string]EndpointConfig{
		"POST /plan": {WindowMs: 60_000, MaxRequests: 1},
	})
	id := Identity{SubjectID: "user-1", IP: "10.0.0.1"}

	allowed, _, err := m.Allow(context.Background(), "POST /plan", id)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfterMs, err := m.Allow(context.Background(), "POST /plan", id)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfterMs, int64(0))
}

func TestUnconfiguredEndpointAlwaysAllowed(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	allowed, _, err := m.Allow(context.Background(), "GET /healthz", Identity{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDistinctIdentitiesHaveIndependentBuckets(t *testing.T) {
	m := NewManager(NewMemoryStore(), map[string]EndpointConfig{
		"POST /plan": {WindowMs: 60_000, MaxRequests: 1},
	})

	allowed, _, err := m.Allow(context.Background(), "POST /plan", Identity{SubjectID: "user-1", IP: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = m.Allow(context.Background(), "POST /plan", Identity{SubjectID: "user-2", IP: "10.0.0.9"})
	require.NoError(t, err)
	assert.True(t, allowed, "distinct subjects get independent identity buckets")
}

func TestFallsBackToIPWhenNoIdentity(t *testing.T) {
	m := NewManager(NewMemoryStore(), map[string]EndpointConfig{
		"POST /plan": {WindowMs: 60_000, MaxRequests: 1},
	})

	allowed, _, err := m.Allow(context.Background(), "POST /plan", Identity{IP: "10.0.0.2"})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = m.Allow(context.Background(), "POST /plan", Identity{IP: "10.0.0.2"})
	require.NoError(t, err)
	assert.False(t, allowed)
}
