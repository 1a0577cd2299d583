package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryServiceTryReserve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryService(time.Hour)
	defer s.Close()

	ok, err := s.TryReserve(ctx, "plan-1:step-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryReserve(ctx, "plan-1:step-1", 0)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation of the same key must fail")

	reserved, err := s.IsReserved(ctx, "plan-1:step-1")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestMemoryServiceReleaseAllowsReReserve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryService(time.Hour)
	defer s.Close()

	_, err := s.TryReserve(ctx, "k", 0)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "k"))

	reserved, err := s.IsReserved(ctx, "k")
	require.NoError(t, err)
	assert.False(t, reserved)

	ok, err := s.TryReserve(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryServiceExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryService(time.Hour)
	defer s.Close()

	ok, err := s.TryReserve(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)

	reserved, err := s.IsReserved(ctx, "k")
	require.NoError(t, err)
	assert.False(t, reserved, "expired reservation must be treated as released")

	ok, err = s.TryReserve(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryServiceSweepRemovesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryService(5 * time.Millisecond)
	defer s.Close()

	_, err := s.TryReserve(ctx, "k", 1*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, exists := s.keys["k"]
		return !exists
	}, time.Second, 5*time.Millisecond)
}
