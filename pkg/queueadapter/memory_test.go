package queueadapter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/dedup"
)

func TestMemoryAdapterEnqueueConsumeAck(t *testing.T) {
	ds := dedup.NewMemoryService(time.Hour)
	defer ds.Close()
	a := NewMemoryAdapter(ds, nil, "tenant-a", 3, time.Millisecond)
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))

	require.NoError(t, a.Enqueue(context.Background(), "plan.steps", []byte("hello"), EnqueueOptions{
		IdempotencyKey: "plan-1:step-1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got int32
	done := make(chan struct{})
	go func() {
		_ = a.Consume(ctx, "plan.steps", func(_ context.Context, d Delivery) error {
			assert.Equal(t, "hello", string(d.Payload()))
			atomic.StoreInt32(&got, 1)
			_ = d.Ack()
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&got))

	reserved, err := ds.IsReserved(context.Background(), "plan-1:step-1")
	require.NoError(t, err)
	assert.False(t, reserved, "ack must release the dedup reservation")
}

func TestMemoryAdapterDuplicateEnqueueRejected(t *testing.T) {
	ds := dedup.NewMemoryService(time.Hour)
	defer ds.Close()
	a := NewMemoryAdapter(ds, nil, "", 3, time.Millisecond)
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))

	opts := EnqueueOptions{IdempotencyKey: "plan-1:step-1"}
	require.NoError(t, a.Enqueue(context.Background(), "q", []byte("a"), opts))
	err := a.Enqueue(context.Background(), "q", []byte("b"), opts)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryAdapterSkipDedupBypassesReservation(t *testing.T) {
	ds := dedup.NewMemoryService(time.Hour)
	defer ds.Close()
	a := NewMemoryAdapter(ds, nil, "", 3, time.Millisecond)
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))

	opts := EnqueueOptions{IdempotencyKey: "plan-1:step-1"}
	require.NoError(t, a.Enqueue(context.Background(), "q", []byte("a"), opts))

	retryOpts := opts
	retryOpts.SkipDedup = true
	assert.NoError(t, a.Enqueue(context.Background(), "q", []byte("b"), retryOpts))
}

func TestMemoryAdapterRetryThenDeadLetterAfterMaxAttempts(t *testing.T) {
	a := NewMemoryAdapter(nil, nil, "", 2, time.Millisecond)
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Enqueue(context.Background(), "q", []byte("x"), EnqueueOptions{}))

	var dlReason string
	var attempts int32
	a.onDeadLetter = func(dl DeadLetter) { dlReason = dl.Reason }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = a.Consume(ctx, "q", func(_ context.Context, d Delivery) error {
		atomic.AddInt32(&attempts, 1)
		if atomic.LoadInt32(&attempts) >= 2 {
			cancel()
		}
		return assertErr
	})

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
	assert.Equal(t, "max attempts exceeded", dlReason)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestMemoryAdapterGetQueueDepth(t *testing.T) {
	a := NewMemoryAdapter(nil, nil, "", 3, time.Millisecond)
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))

	assert.Equal(t, 0, a.GetQueueDepth(context.Background(), "q"))
	require.NoError(t, a.Enqueue(context.Background(), "q", []byte("a"), EnqueueOptions{}))
	assert.Equal(t, 1, a.GetQueueDepth(context.Background(), "q"))
}

func TestMemoryAdapterClosedRejectsEnqueue(t *testing.T) {
	a := NewMemoryAdapter(nil, nil, "", 3, time.Millisecond)
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Close())

	err := a.Enqueue(context.Background(), "q", []byte("a"), EnqueueOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
