package toolagent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultPingTimeout   = 5 * time.Second
)

// HealthStatus captures the most recent probe result for the remote tool
// agent connection.
type HealthStatus struct {
	Healthy   bool
	LastCheck time.Time
	Error     string
}

// HealthMonitor periodically probes the remote tool agent's gRPC health
// service and keeps the last result available for readiness checks.
type HealthMonitor struct {
	client        grpc_health_v1.HealthClient
	checkInterval time.Duration
	pingTimeout   time.Duration

	statusMu sync.RWMutex
	status   HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor builds a monitor against an already-dialed client
// connection, typically shared with a Client via Client.Conn().
func NewHealthMonitor(c *Client) *HealthMonitor {
	return &HealthMonitor{
		client:        grpc_health_v1.NewHealthClient(c.Conn()),
		checkInterval: defaultCheckInterval,
		pingTimeout:   defaultPingTimeout,
	}
}

// Start launches the background probe loop. Calling Start on an
// already-running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the monitor down. After Stop returns, Start may be called
// again.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	m.statusMu.Lock()
	m.status = HealthStatus{}
	m.statusMu.Unlock()
	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.check(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *HealthMonitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	resp, err := m.client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	now := time.Now()
	if err != nil {
		m.setStatus(HealthStatus{Healthy: false, LastCheck: now, Error: err.Error()})
		slog.Warn("tool agent health check failed", "error", err)
		return
	}

	healthy := resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	status := HealthStatus{Healthy: healthy, LastCheck: now}
	if !healthy {
		status.Error = resp.GetStatus().String()
	}
	m.setStatus(status)
}

func (m *HealthMonitor) setStatus(status HealthStatus) {
	m.statusMu.Lock()
	m.status = status
	m.statusMu.Unlock()
}

// Status returns the most recent probe result.
func (m *HealthMonitor) Status() HealthStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// IsHealthy reports false until the first probe has run.
func (m *HealthMonitor) IsHealthy() bool {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status.Healthy && !m.status.LastCheck.IsZero()
}
