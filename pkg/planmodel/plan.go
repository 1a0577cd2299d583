// Package planmodel defines the shared data model for plans, steps, and the
// events published about their progress. It has no dependencies on any
// other internal package so every component (queue, plan state, event bus,
// runtime, HTTP surface) can import it without creating cycles.
package planmodel

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlanStepState is the lifecycle state of a single plan step.
type PlanStepState string

// Step lifecycle states.
const (
	StepQueued          PlanStepState = "queued"
	StepRunning         PlanStepState = "running"
	StepWaitingApproval PlanStepState = "waiting_approval"
	StepCompleted       PlanStepState = "completed"
	StepFailed          PlanStepState = "failed"
	StepRejected        PlanStepState = "rejected"
	StepDeadLettered    PlanStepState = "dead_lettered"
)

// Terminal reports whether the state is one the step can never leave.
func (s PlanStepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepRejected, StepDeadLettered:
		return true
	default:
		return false
	}
}

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidStepID reports whether id is a legal PlanStep.ID.
func ValidStepID(id string) bool {
	return stepIDPattern.MatchString(id)
}

// PlanStep is a single capability-gated tool invocation within a plan.
type PlanStep struct {
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

// Clone returns a deep copy so callers can mutate without affecting stored state.
func (s PlanStep) Clone() PlanStep {
	out := s
	if s.Labels != nil {
		out.Labels = append([]string(nil), s.Labels...)
	}
	out.Input = cloneMap(s.Input)
	out.Metadata = cloneMap(s.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Plan is an ordered sequence of agent steps produced from a user goal.
type Plan struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	Owner     Subject    `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	TraceID   string     `json:"trace_id"`
}

const planIDPrefix = "plan-"

var (
	legacyPlanIDPattern = regexp.MustCompile(`^plan-[0-9a-fA-F]{8,64}$`)
)

// NewPlanID mints a plan identifier of the form "plan-<uuid-v4>".
func NewPlanID() string {
	return planIDPrefix + uuid.NewString()
}

// ValidPlanID accepts both the current "plan-<uuid-v4>" form and the legacy
// "plan-<8-64 hex>" short form.
func ValidPlanID(id string) bool {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, planIDPrefix) {
		return false
	}
	rest := id[len(planIDPrefix):]
	if _, err := uuid.Parse(rest); err == nil {
		return true
	}
	return legacyPlanIDPattern.MatchString(id)
}

// IdempotencyKey returns the deterministic dedup token for a plan step.
func IdempotencyKey(planID, stepID string) string {
	return fmt.Sprintf("%s:%s", planID, stepID)
}

// CompletionIdempotencyKey returns the dedup token for a step's completion message.
func CompletionIdempotencyKey(planID, stepID string) string {
	return "complete:" + IdempotencyKey(planID, stepID)
}
