package planmodel

// PlanStepEvent is the element published through the event bus and
// replayed/streamed to clients.
type PlanStepEvent struct {
	Event   string        `json:"event"` // always "plan.step"
	TraceID string        `json:"trace_id"`
	PlanID  string        `json:"plan_id"`
	Step    StepEventBody `json:"step"`
}

// StepEventBody is the per-step payload embedded in a PlanStepEvent.
type StepEventBody struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	State            PlanStepState  `json:"state"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capability_label,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	ApprovalRequired bool           `json:"approval_required"`
	Summary          string         `json:"summary,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
}

// EventType is the fixed discriminator value for every PlanStepEvent.
const EventType = "plan.step"

// NewPlanStepEvent builds an event from a step and its current state,
// cloning labels so later mutation of step can't alter a published event.
func NewPlanStepEvent(traceID, planID string, step PlanStep, state PlanStepState, summary string, output map[string]any) PlanStepEvent {
	var labels []string
	if step.Labels != nil {
		labels = append([]string(nil), step.Labels...)
	}
	return PlanStepEvent{
		Event:   EventType,
		TraceID: traceID,
		PlanID:  planID,
		Step: StepEventBody{
			ID:               step.ID,
			Action:           step.Action,
			Tool:             step.Tool,
			State:            state,
			Capability:       step.Capability,
			CapabilityLabel:  step.CapabilityLabel,
			Labels:           labels,
			TimeoutSeconds:   step.TimeoutSeconds,
			ApprovalRequired: step.ApprovalRequired,
			Summary:          summary,
			Output:           cloneMap(output),
		},
	}
}

// Clone returns a deep copy of the event, used by the event bus when
// storing into history and when delivering to subscribers so no two
// readers can observe a mutation made by another.
func (e PlanStepEvent) Clone() PlanStepEvent {
	out := e
	if e.Step.Labels != nil {
		out.Step.Labels = append([]string(nil), e.Step.Labels...)
	}
	out.Step.Output = cloneMap(e.Step.Output)
	return out
}
