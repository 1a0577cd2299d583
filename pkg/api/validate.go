package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
)

var stepIDInPathPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

const maxGoalChars = 2048
const maxRationaleChars = 2000

// issues accumulates validation failures in request order; once non-empty
// it is rendered as an invalid_request error with per-field paths.
type issues []ValidationIssue

func (is *issues) add(path, message string) {
	*is = append(*is, ValidationIssue{Path: path, Message: message})
}

func (is issues) err() *apperr.Error {
	if len(is) == 0 {
		return nil
	}
	details := make([]apperr.DenyReason, len(is))
	for i, iss := range is {
		details[i] = apperr.DenyReason{Field: iss.Path, Reason: iss.Message}
	}
	return apperr.InvalidRequest("request validation failed", details...)
}

func validatePlanID(id string) error {
	if !planmodel.ValidPlanID(id) {
		return apperr.InvalidRequest(fmt.Sprintf("invalid plan id %q", id))
	}
	return nil
}

func validateStepIDParam(id string) error {
	if !stepIDInPathPattern.MatchString(id) {
		return apperr.InvalidRequest(fmt.Sprintf("invalid step id %q", id))
	}
	return nil
}

// validateCreatePlanRequest validates POST /plan's body, returning the
// built domain steps (synthesized from the goal when Steps is empty).
func validateCreatePlanRequest(req CreatePlanRequest) ([]planmodel.PlanStep, *apperr.Error) {
	var is issues

	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		is.add("goal", "must not be empty")
	} else if len(goal) > maxGoalChars {
		is.add("goal", fmt.Sprintf("must be at most %d characters", maxGoalChars))
	}

	seen := make(map[string]struct{}, len(req.Steps))
	for i, s := range req.Steps {
		path := fmt.Sprintf("steps.%d", i)
		if !planmodel.ValidStepID(s.ID) {
			is.add(path+".id", "must match [A-Za-z0-9._-]{1,64}")
		} else if _, dup := seen[s.ID]; dup {
			is.add(path+".id", "duplicate step id")
		} else {
			seen[s.ID] = struct{}{}
		}
		if s.Tool == "" {
			is.add(path+".tool", "must not be empty")
		}
		if s.Capability == "" {
			is.add(path+".capability", "must not be empty")
		}
		if s.TimeoutSeconds < 0 {
			is.add(path+".timeout_seconds", "must be >= 0")
		}
	}

	if err := is.err(); err != nil {
		return nil, err
	}

	if len(req.Steps) == 0 {
		return defaultSteps(goal), nil
	}
	steps := make([]planmodel.PlanStep, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = s.toPlanStep()
	}
	return steps, nil
}

// defaultSteps synthesizes the single-step plan used when a caller submits
// a bare goal with no explicit steps: decomposing a free-form goal into
// tool invocations is the LLM planner's job, which this module treats as
// an external collaborator (see the chat-routing contract in pkg/toolagent).
// Callers that already know their steps should submit them directly.
func defaultSteps(goal string) []planmodel.PlanStep {
	return []planmodel.PlanStep{{
		ID:             "step-1",
		Action:         goal,
		Tool:           "chat",
		Capability:     "chat.route",
		Input:          map[string]any{"goal": goal},
		TimeoutSeconds: 60,
	}}
}

func validateApprovalRequest(req ApprovalRequest, forcedDecision planrun.Decision) (planrun.Decision, string, *apperr.Error) {
	var is issues

	decision := forcedDecision
	if decision == "" {
		decision = planrun.DecisionApprove
		if req.Decision != "" {
			decision = planrun.Decision(req.Decision)
		}
		if decision != planrun.DecisionApprove && decision != planrun.DecisionReject {
			is.add("decision", "must be one of approve, reject")
		}
	}

	rationale := strings.TrimSpace(req.Rationale)
	if len(rationale) > maxRationaleChars {
		is.add("rationale", fmt.Sprintf("must be at most %d characters", maxRationaleChars))
	}

	if err := is.err(); err != nil {
		return "", "", err
	}
	return decision, rationale, nil
}
