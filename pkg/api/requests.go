package api

import "github.com/planmesh/orchestrator/pkg/planmodel"

// CreatePlanRequest is the HTTP request body for POST /plan. Goal is
// always required; Steps lets a caller that already knows its tool
// invocations (the SDK, or a client fronted by its own LLM planner)
// submit them directly, since step decomposition from a free-form goal
// is explicitly out of scope here (see defaultSteps).
type CreatePlanRequest struct {
	Goal  string            `json:"goal"`
	Steps []PlanStepRequest `json:"steps,omitempty"`
}

// PlanStepRequest mirrors planmodel.PlanStep's wire shape for plan
// creation; kept distinct from PlanStep itself so request validation
// doesn't leak into the domain type.
type PlanStepRequest struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capability_label,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	ApprovalRequired bool           `json:"approval_required"`
}

func (r PlanStepRequest) toPlanStep() planmodel.PlanStep {
	return planmodel.PlanStep{
		ID:               r.ID,
		Action:           r.Action,
		Tool:             r.Tool,
		Capability:       r.Capability,
		CapabilityLabel:  r.CapabilityLabel,
		Labels:           r.Labels,
		Input:            r.Input,
		Metadata:         r.Metadata,
		TimeoutSeconds:   r.TimeoutSeconds,
		ApprovalRequired: r.ApprovalRequired,
	}
}

// ApprovalRequest is the HTTP request body for the approve/reject routes.
// Decision defaults to "approve" when omitted on the /approve route; the
// /reject route ignores Decision and always rejects.
type ApprovalRequest struct {
	Decision  string `json:"decision,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}
