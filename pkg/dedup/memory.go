package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryService is an in-process Service backed by a mutex-protected map,
// with a background goroutine sweeping expired reservations. Suitable for
// a single-process deployment or tests; use the shared-kv backend when
// multiple processes must agree on reservations.
type MemoryService struct {
	mu    sync.Mutex
	keys  map[string]time.Time // key -> expiry; zero time means no expiry
	sweep time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryService creates a MemoryService and starts its sweep loop.
// sweepInterval controls how often expired reservations are dropped;
// callers with no expiring keys may pass any positive value.
func NewMemoryService(sweepInterval time.Duration) *MemoryService {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryService{
		keys:  make(map[string]time.Time),
		sweep: sweepInterval,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)

	return s
}

func (s *MemoryService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *MemoryService) sweepExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int
	for k, exp := range s.keys {
		if !exp.IsZero() && now.After(exp) {
			delete(s.keys, k)
			expired++
		}
	}
	if expired > 0 {
		slog.Debug("dedup: swept expired reservations", "count", expired)
	}
}

// TryReserve implements Service.
func (s *MemoryService) TryReserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.keys[key]; ok {
		if exp.IsZero() || now.Before(exp) {
			return false, nil
		}
		// expired reservation, fall through and re-reserve
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	s.keys[key] = expiry
	return true, nil
}

// Release implements Service.
func (s *MemoryService) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// IsReserved implements Service.
func (s *MemoryService) IsReserved(_ context.Context, key string) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && now.After(exp) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

// Close stops the sweep goroutine.
func (s *MemoryService) Close() error {
	s.cancel()
	<-s.done
	return nil
}
