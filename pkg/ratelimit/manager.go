// Package ratelimit implements per-endpoint sliding-window rate limiting,
// keyed by identity then by ip.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ulule/limiter/v3"
)

// EndpointConfig is one endpoint's sliding-window budget.
type EndpointConfig struct {
	WindowMs    int64
	MaxRequests int64
}

// Identity carries the three candidate bucket keys for a request; the
// first non-empty of SubjectID/AgentName is the "identity" bucket, and IP
// is always checked as a second, independent bucket.
type Identity struct {
	SubjectID string
	AgentName string
	IP        string
}

func (id Identity) identityKey() string {
	switch {
	case id.SubjectID != "":
		return "id:" + id.SubjectID
	case id.AgentName != "":
		return "id:" + id.AgentName
	default:
		return id.ipKey()
	}
}

func (id Identity) ipKey() string {
	return "ip:" + id.IP
}

// Manager evaluates per-endpoint buckets in the order [identity, ip]; the
// first denying bucket wins.
type Manager struct {
	store   limiter.Store
	limiter map[string]*limiter.Limiter
}

// NewManager builds a Manager over store (in-memory or shared, selected by
// the caller) with one limiter.Rate per configured endpoint.
func NewManager(store limiter.Store, endpoints map[string]EndpointConfig) *Manager {
	m := &Manager{store: store, limiter: make(map[string]*limiter.Limiter, len(endpoints))}
	for endpoint, cfg := range endpoints {
		rate := limiter.Rate{
			Period: time.Duration(cfg.WindowMs) * time.Millisecond,
			Limit:  cfg.MaxRequests,
		}
		m.limiter[endpoint] = limiter.New(store, rate)
	}
	return m
}

// Allow evaluates endpoint's buckets for id. An endpoint with no configured
// budget is always allowed (rate limiting is opt-in per route).
func (m *Manager) Allow(ctx context.Context, endpoint string, id Identity) (allowed bool, retryAfterMs int64, err error) {
	lim, ok := m.limiter[endpoint]
	if !ok {
		return true, 0, nil
	}

	keys := []string{id.identityKey()}
	if ipKey := id.ipKey(); ipKey != keys[0] {
		keys = append(keys, ipKey)
	}

	for _, key := range keys {
		result, err := lim.Get(ctx, endpoint+"|"+key)
		if err != nil {
			return false, 0, fmt.Errorf("ratelimit: evaluating bucket %q: %w", key, err)
		}
		if result.Reached {
			retryAfter := time.Until(time.Unix(result.Reset, 0))
			if retryAfter < 0 {
				retryAfter = 0
			}
			return false, retryAfter.Milliseconds(), nil
		}
	}

	return true, 0, nil
}
