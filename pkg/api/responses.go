package api

import "github.com/planmesh/orchestrator/pkg/planmodel"

// PlanResponse is returned by POST /plan.
type PlanResponse struct {
	Plan      planmodel.Plan `json:"plan"`
	RequestID string         `json:"requestId"`
	TraceID   string         `json:"traceId"`
}

// EventsResponse is returned by the JSON-history variant of GET /plan/:id/events.
type EventsResponse struct {
	Events    []planmodel.PlanStepEvent `json:"events"`
	RequestID string                    `json:"requestId"`
	TraceID   string                    `json:"traceId"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ValidationIssue is one entry of ErrorResponse.Details for invalid_request
// responses produced by the declarative request validators.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// LivenessResponse is returned by GET /healthz.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse is returned by GET /readyz.
type ReadinessResponse struct {
	Status        string                    `json:"status"`
	Timestamp     string                    `json:"timestamp"`
	UptimeSeconds float64                   `json:"uptimeSeconds"`
	RequestID     string                    `json:"requestId"`
	TraceID       string                    `json:"traceId"`
	Details       ReadinessDetails          `json:"details"`
}

// ReadinessDetails carries the per-dependency readiness breakdown.
type ReadinessDetails struct {
	Queue QueueReadiness `json:"queue"`
}

// QueueReadiness reports the completion queue's current depth.
type QueueReadiness struct {
	Status string `json:"status"`
	Depth  int    `json:"depth"`
}
