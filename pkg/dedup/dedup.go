// Package dedup provides an idempotency-key reservation service: a set of
// key -> expiry? with TryReserve/Release/IsReserved, backed either by an
// in-memory map with a periodic sweep or a shared key-value store.
package dedup

import (
	"context"
	"time"
)

// Service reserves idempotency keys so a step is enqueued/processed at
// most once for its whole in-flight lifetime: from the moment the queue
// adapter accepts a message until it is acknowledged or dead-lettered.
type Service interface {
	// TryReserve reserves key for ttl and reports whether the reservation
	// was acquired (false means the key is already reserved).
	TryReserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees key immediately, regardless of its remaining ttl.
	Release(ctx context.Context, key string) error
	// IsReserved reports whether key is currently reserved.
	IsReserved(ctx context.Context, key string) (bool, error)
	// Close releases resources held by the service (sweep goroutine, client).
	Close() error
}
