package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func promMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// livenessHandler handles GET /healthz: a process-is-up check with no
// dependency on downstream components, so it never reflects a degraded
// broker or database as a reason to restart this process.
func (s *Server) livenessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, LivenessResponse{Status: "ok"})
}

// readinessHandler handles GET /readyz: liveness plus the completion
// queue's depth. Status is "degraded" when a tool-agent health monitor is
// set and reports unhealthy, otherwise "ok"; the depth does not change the
// status, and the queue's own status is always reported as "ok".
func (s *Server) readinessHandler(c *echo.Context) error {
	depth := 0
	if s.queue != nil {
		depth = s.queue.GetQueueDepth(c.Request().Context(), s.completionQueue)
	}

	status := "ok"
	if s.toolHealth != nil && !s.toolHealth.IsHealthy() {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, ReadinessResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RequestID:     requestID(c),
		TraceID:       traceID(c),
		Details: ReadinessDetails{
			Queue: QueueReadiness{Status: "ok", Depth: depth},
		},
	})
}
