package planmodel

import "time"

// PersistedStep is the durable state-store row keyed by (plan_id, step_id).
type PersistedStep struct {
	ID             string          `json:"id"` // row id, distinct from the step's own ID: a uuid in PostgresStore, "<plan_id>:<step_id>" in FileStore
	PlanID         string          `json:"plan_id"`
	StepID         string          `json:"step_id"`
	TraceID        string          `json:"trace_id"`
	Step           PlanStep        `json:"step"`
	State          PlanStepState   `json:"state"`
	Summary        string          `json:"summary,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Approvals      map[string]bool `json:"approvals,omitempty"` // capability -> granted
	Subject        Subject         `json:"subject"`
}

// Clone deep-copies a persisted step so the state store never hands out a
// row callers could mutate in place.
func (p PersistedStep) Clone() PersistedStep {
	out := p
	out.Step = p.Step.Clone()
	out.Output = cloneMap(p.Output)
	out.Subject = p.Subject.Clone()
	if p.Approvals != nil {
		out.Approvals = make(map[string]bool, len(p.Approvals))
		for k, v := range p.Approvals {
			out.Approvals[k] = v
		}
	}
	return out
}

// StepMetadata is one entry of a plan's ordered step list, as carried in
// PersistedPlanMetadata.
type StepMetadata struct {
	Step      PlanStep  `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	Attempt   int       `json:"attempt"`
	Subject   Subject   `json:"subject"`
}

// PersistedPlanMetadata is the durable state-store row keyed by plan_id.
type PersistedPlanMetadata struct {
	PlanID             string         `json:"plan_id"`
	TraceID            string         `json:"trace_id"`
	Steps              []StepMetadata `json:"steps"`
	NextStepIndex      int            `json:"next_step_index"`
	LastCompletedIndex int            `json:"last_completed_index"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Owner              Subject        `json:"owner"`
}

// Clone deep-copies plan metadata.
func (m PersistedPlanMetadata) Clone() PersistedPlanMetadata {
	out := m
	out.Owner = m.Owner.Clone()
	if m.Steps != nil {
		out.Steps = make([]StepMetadata, len(m.Steps))
		for i, sm := range m.Steps {
			out.Steps[i] = StepMetadata{
				Step:      sm.Step.Clone(),
				CreatedAt: sm.CreatedAt,
				Attempt:   sm.Attempt,
				Subject:   sm.Subject.Clone(),
			}
		}
	}
	return out
}
