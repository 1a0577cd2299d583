// Package queueadapter provides a uniform interface over a message broker:
// enqueue, consume with ack/retry/dead-letter, and depth/lag reporting,
// with AMQP-style, log-based, and in-memory implementations.
package queueadapter

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Adapter operations.
var (
	// ErrPublishFailed indicates Enqueue could not hand the message to the
	// broker; the caller's idempotency-key reservation MUST be released.
	ErrPublishFailed = errors.New("queueadapter: publish failed")
	// ErrDuplicate indicates Enqueue silently dropped the message because
	// its idempotency key is already reserved.
	ErrDuplicate = errors.New("queueadapter: duplicate message")
	// ErrClosed indicates an operation was attempted on a closed or
	// not-yet-connected adapter.
	ErrClosed = errors.New("queueadapter: adapter closed")
)

// Headers carries message metadata, including the trace id and, for
// retried deliveries, the attempt count under HeaderAttempts.
type Headers map[string]string

// Well-known header keys.
const (
	HeaderTraceID   = "trace_id"
	HeaderAttempts  = "x-attempts"
	HeaderEnqueued  = "x-enqueued-at"
	HeaderSkipDedup = "x-skip-dedup"
)

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// IdempotencyKey, when non-empty, is reserved via the dedup service
	// before publish and released on publish failure. Required unless
	// SkipDedup is set.
	IdempotencyKey string
	// Headers are carried alongside the payload; HeaderTraceID should be set.
	Headers Headers
	// SkipDedup bypasses the dedup reservation entirely — used by the run
	// loop when republishing a retry of the same step, since retries must
	// bypass the idempotency check that would otherwise treat them as
	// duplicates of the original delivery.
	SkipDedup bool
	// DelayMs, when > 0, requests the broker deliver the message no
	// sooner than this many milliseconds from now. Best-effort: the
	// in-memory adapter honors it exactly, AMQP via a dead-letter/TTL
	// hop, and NATS by sleeping for the delay before it publishes.
	DelayMs int64
}

// Delivery is a single message handed to a Consume handler. Exactly one of
// Ack/Retry/DeadLetter may have effect; subsequent calls are no-ops.
type Delivery interface {
	Payload() []byte
	Attempts() int
	Headers() Headers
	Ack() error
	Retry(ctx context.Context, delay time.Duration) error
	DeadLetter(ctx context.Context, reason string) error
}

// Handler processes one delivery. It MUST call exactly one of
// d.Ack/d.Retry/d.DeadLetter before returning, or its failure to do so
// blocks redelivery sized at the adapter's prefetch; adapters also treat a
// handler that returns an error without terminal-acking the delivery as an
// implicit Retry.
type Handler func(ctx context.Context, d Delivery) error

// DeadLetter describes a message that exhausted its retry budget or could
// not be parsed, passed to an adapter's OnDeadLetter hook.
type DeadLetter struct {
	Queue    string
	Reason   string
	Payload  []byte
	Headers  Headers
	Attempts int
}

// Adapter is the polymorphic broker interface.
type Adapter interface {
	// Connect acquires broker resources. Re-entrant: calling Connect on an
	// already-connected adapter is a no-op.
	Connect(ctx context.Context) error
	// Close releases all broker resources, guaranteed on every exit path.
	Close() error
	// Enqueue publishes payload to queue. Returns ErrDuplicate if the
	// idempotency key is already reserved, ErrPublishFailed on broker
	// error (with the reservation released), ErrClosed if not connected.
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error
	// Consume registers handler as the exclusive consumer of queue and
	// blocks until ctx is cancelled or an unrecoverable error occurs.
	Consume(ctx context.Context, queue string, handler Handler) error
	// GetQueueDepth returns the current depth, or 0 on any adapter error
	// (also resetting depth/lag gauges for queue to 0).
	GetQueueDepth(ctx context.Context, queue string) int
}

// Transport identifies which Adapter implementation produced a metric
// sample, used as the "transport" label.
type Transport string

const (
	TransportAMQP   Transport = "amqp"
	TransportLog    Transport = "log_based"
	TransportMemory Transport = "memory"
)
