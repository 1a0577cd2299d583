package queueadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planmesh/orchestrator/pkg/dedup"
)

// memoryMessage is one enqueued message sitting in a MemoryAdapter queue.
type memoryMessage struct {
	payload   []byte
	headers   Headers
	attempts  int
	notBefore time.Time
	dedupKey  string
}

// MemoryAdapter is an in-process Adapter backed by per-queue slices,
// guarded by a mutex and a condition variable for blocking Consume. It
// backs `messaging.type: memory` and is also used directly by tests of
// higher-level components that do not want a real broker.
type MemoryAdapter struct {
	dedup        dedup.Service
	metrics      *Metrics
	tenant       string
	maxAttempts  int
	retryDelay   time.Duration
	onDeadLetter func(DeadLetter)

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]*memoryMessage
	closed  bool
}

// MemoryAdapterOption configures a MemoryAdapter at construction.
type MemoryAdapterOption func(*MemoryAdapter)

// WithOnDeadLetter registers a hook invoked whenever a message is
// dead-lettered. The payload format is deliberately left up to the caller.
func WithOnDeadLetter(f func(DeadLetter)) MemoryAdapterOption {
	return func(a *MemoryAdapter) { a.onDeadLetter = f }
}

// NewMemoryAdapter creates a MemoryAdapter. dedupSvc may be nil to disable
// dedup entirely (tests only); maxAttempts <= 0 defaults to 5.
func NewMemoryAdapter(dedupSvc dedup.Service, metrics *Metrics, tenant string, maxAttempts int, retryDelay time.Duration, opts ...MemoryAdapterOption) *MemoryAdapter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	a := &MemoryAdapter{
		dedup:       dedupSvc,
		metrics:     metrics,
		tenant:      tenant,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		queues:      make(map[string][]*memoryMessage),
	}
	a.cond = sync.NewCond(&a.mu)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect implements Adapter; the in-memory adapter needs no connection.
func (a *MemoryAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
	return nil
}

// Close implements Adapter, waking any blocked Consume loops.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cond.Broadcast()
	return nil
}

// Enqueue implements Adapter.
func (a *MemoryAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()

	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
		ok, err := a.dedup.TryReserve(ctx, opts.IdempotencyKey, 0)
		if err != nil {
			return fmt.Errorf("%w: dedup reserve: %w", ErrPublishFailed, err)
		}
		if !ok {
			return ErrDuplicate
		}
	}

	headers := Headers{}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	msg := &memoryMessage{
		payload: append([]byte(nil), payload...),
		headers: headers,
	}
	// Only a key reserved above is released on Ack/DeadLetter; with
	// SkipDedup the reservation belongs to the caller.
	if !opts.SkipDedup {
		msg.dedupKey = opts.IdempotencyKey
	}
	if opts.DelayMs > 0 {
		msg.notBefore = time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond)
	}

	a.mu.Lock()
	a.queues[queue] = append(a.queues[queue], msg)
	a.mu.Unlock()
	a.cond.Broadcast()

	if a.metrics != nil {
		a.metrics.Enqueue.WithLabelValues(queue, string(TransportMemory), a.tenant).Inc()
		a.updateDepthLocked(queue)
	}
	return nil
}

// Consume implements Adapter, blocking until ctx is cancelled.
func (a *MemoryAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	go func() {
		<-ctx.Done()
		a.cond.Broadcast()
	}()

	for {
		msg, ok := a.dequeue(ctx, queue)
		if !ok {
			return ctx.Err()
		}

		d := &memoryDelivery{
			adapter: a,
			queue:   queue,
			msg:     msg,
		}
		if err := handler(ctx, d); err != nil && !d.terminalCalled() {
			_ = d.Retry(ctx, a.retryDelay)
		}
	}
}

func (a *MemoryAdapter) dequeue(ctx context.Context, queue string) (*memoryMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.closed || ctx.Err() != nil {
			return nil, false
		}

		q := a.queues[queue]
		now := time.Now()
		for i, m := range q {
			if !m.notBefore.IsZero() && m.notBefore.After(now) {
				continue
			}
			a.queues[queue] = append(q[:i:i], q[i+1:]...)
			return m, true
		}

		a.cond.Wait()
	}
}

func (a *MemoryAdapter) updateDepthLocked(queue string) {
	a.mu.Lock()
	depth := len(a.queues[queue])
	a.mu.Unlock()
	a.metrics.Depth.WithLabelValues(queue, string(TransportMemory), a.tenant).Set(float64(depth))
	a.metrics.Lag.WithLabelValues(queue, string(TransportMemory), a.tenant).Set(float64(depth))
}

// GetQueueDepth implements Adapter.
func (a *MemoryAdapter) GetQueueDepth(_ context.Context, queue string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		if a.metrics != nil {
			a.metrics.ResetQueue(queue, string(TransportMemory), a.tenant)
		}
		return 0
	}
	return len(a.queues[queue])
}

// memoryDelivery implements Delivery for the MemoryAdapter.
type memoryDelivery struct {
	adapter  *MemoryAdapter
	queue    string
	msg      *memoryMessage
	terminal int32 // atomic: 0 = pending, 1 = handled
}

func (d *memoryDelivery) terminalCalled() bool {
	return atomic.LoadInt32(&d.terminal) == 1
}

func (d *memoryDelivery) claimTerminal() bool {
	return atomic.CompareAndSwapInt32(&d.terminal, 0, 1)
}

func (d *memoryDelivery) Payload() []byte  { return d.msg.payload }
func (d *memoryDelivery) Attempts() int    { return d.msg.attempts + 1 }
func (d *memoryDelivery) Headers() Headers { return d.msg.headers }

func (d *memoryDelivery) Ack() error {
	if !d.claimTerminal() {
		return nil
	}
	if d.adapter.dedup != nil && d.msg.dedupKey != "" {
		_ = d.adapter.dedup.Release(context.Background(), d.msg.dedupKey)
	}
	if d.adapter.metrics != nil {
		d.adapter.metrics.Ack.WithLabelValues(d.queue, string(TransportMemory), d.adapter.tenant).Inc()
		d.adapter.updateDepthLocked(d.queue)
	}
	return nil
}

func (d *memoryDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if !d.claimTerminal() {
		return nil
	}

	d.msg.attempts++
	if d.msg.attempts >= d.adapter.maxAttempts {
		return d.DeadLetter(ctx, "max attempts exceeded")
	}

	if delay > 0 {
		d.msg.notBefore = time.Now().Add(delay)
	} else {
		d.msg.notBefore = time.Time{}
	}

	d.adapter.mu.Lock()
	d.adapter.queues[d.queue] = append(d.adapter.queues[d.queue], d.msg)
	d.adapter.mu.Unlock()
	d.adapter.cond.Broadcast()

	if d.adapter.metrics != nil {
		d.adapter.metrics.Retry.WithLabelValues(d.queue, string(TransportMemory), d.adapter.tenant).Inc()
		d.adapter.updateDepthLocked(d.queue)
	}
	return nil
}

func (d *memoryDelivery) DeadLetter(_ context.Context, reason string) error {
	if !d.claimTerminal() {
		return nil
	}
	if d.adapter.dedup != nil && d.msg.dedupKey != "" {
		_ = d.adapter.dedup.Release(context.Background(), d.msg.dedupKey)
	}

	slog.Warn("queueadapter: message dead-lettered", "queue", d.queue, "reason", reason, "attempts", d.msg.attempts+1)
	if d.adapter.metrics != nil {
		d.adapter.metrics.DeadLetter.WithLabelValues(d.queue, string(TransportMemory), d.adapter.tenant).Inc()
		d.adapter.updateDepthLocked(d.queue)
	}
	if d.adapter.onDeadLetter != nil {
		d.adapter.onDeadLetter(DeadLetter{
			Queue:    d.queue,
			Reason:   reason,
			Payload:  d.msg.payload,
			Headers:  d.msg.headers,
			Attempts: d.msg.attempts + 1,
		})
	}
	return nil
}
