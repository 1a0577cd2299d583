// Package sse implements the SSE quota manager and streamer: admission
// control for concurrent streaming connections, and the
// history-replay-then-live-subscribe protocol itself.
package sse

import "sync"

// QuotaConfig bounds concurrent SSE connections.
type QuotaConfig struct {
	PerIP      int
	PerSubject int
}

// Quota tracks concurrent SSE connections per ip and per subject, using a
// pair of bounded counters instead of an unbounded connection set.
type Quota struct {
	mu            sync.Mutex
	cfg           QuotaConfig
	ipCounts      map[string]int
	subjectCounts map[string]int
}

// NewQuota builds a Quota. A zero cap on either dimension disables that
// dimension's check.
func NewQuota(cfg QuotaConfig) *Quota {
	return &Quota{
		cfg:           cfg,
		ipCounts:      make(map[string]int),
		subjectCounts: make(map[string]int),
	}
}

// Acquire reserves one connection slot for ip and, if subjectID is
// non-empty, for subjectID too. On success it returns a release function
// that must be called exactly once (repeated calls are a safe no-op); on
// failure it returns ok=false and a nil release.
func (q *Quota) Acquire(ip, subjectID string) (release func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.PerIP > 0 && q.ipCounts[ip] >= q.cfg.PerIP {
		return nil, false
	}
	if subjectID != "" && q.cfg.PerSubject > 0 && q.subjectCounts[subjectID] >= q.cfg.PerSubject {
		return nil, false
	}

	q.ipCounts[ip]++
	if subjectID != "" {
		q.subjectCounts[subjectID]++
	}

	var once sync.Once
	return func() {
		once.Do(func() { q.release(ip, subjectID) })
	}, true
}

func (q *Quota) release(ip, subjectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ipCounts[ip]--
	if q.ipCounts[ip] <= 0 {
		delete(q.ipCounts, ip)
	}
	if subjectID != "" {
		q.subjectCounts[subjectID]--
		if q.subjectCounts[subjectID] <= 0 {
			delete(q.subjectCounts, subjectID)
		}
	}
}

// IPCount reports the current reservation count for ip, for tests and
// diagnostics.
func (q *Quota) IPCount(ip string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ipCounts[ip]
}
