// Package planrun implements the plan queue runtime: the state
// machine that drives a plan's steps from submission through approval,
// tool execution, retry/dead-letter, and completion.
package planrun

import (
	"context"
	"time"

	"github.com/planmesh/orchestrator/pkg/dedup"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
)

// ToolInvocation is handed to a ToolAgent to execute one plan step.
type ToolInvocation struct {
	PlanID         string
	StepID         string
	Tool           string
	Capability     string
	Input          map[string]any
	TimeoutSeconds int
	TraceID        string
}

// ToolEvent is one progress notification a ToolAgent emits while executing
// an invocation. A non-terminal state (only StepRunning is meaningful here)
// is a progress update; any terminal state ends the stream.
type ToolEvent struct {
	State      planmodel.PlanStepState
	Summary    string
	Output     map[string]any
	Retryable  bool // meaningful only when State == StepFailed
	OccurredAt time.Time
}

// ToolAgent is the external contract the runtime invokes to actually run a
// step's tool. Implementations stream zero or more progress events
// followed by exactly one terminal event, then close the channel.
type ToolAgent interface {
	ExecuteTool(ctx context.Context, inv ToolInvocation) (<-chan ToolEvent, error)
}

// PolicyDeny is one reason a step was denied by the capability policy
// enforcer. Defined locally so planrun depends on no concrete policy
// package — accept the interface, not the implementation.
type PolicyDeny struct {
	Reason     string
	Capability string
}

// PolicyEnforcer is the subset of the capability policy enforcer the
// runtime needs: a per-step capability check run just before a step
// transitions to running.
type PolicyEnforcer interface {
	EnforcePlanStep(ctx context.Context, step planmodel.PlanStep, subject planmodel.Subject) (allow bool, deny []PolicyDeny)
}

// Backoff computes the delay before retrying a step at the given attempt
// count (1-indexed: the delay before the 2nd attempt, etc).
type Backoff func(attempt int) time.Duration

// Config bundles the runtime's tunables.
type Config struct {
	StepQueue       string
	CompletionQueue string
	MaxAttempts     int
	Backoff         Backoff
	DedupTTL        time.Duration
	WorkerID        string
	PodID           string
}

// withDefaults fills in zero-valued fields so a caller can pass a partial
// Config.
func (c Config) withDefaults() Config {
	if c.StepQueue == "" {
		c.StepQueue = "plan.step"
	}
	if c.CompletionQueue == "" {
		c.CompletionQueue = "plan.step.completion"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff(500*time.Millisecond, 30*time.Second)
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.WorkerID == "" {
		c.WorkerID = "planrun-worker"
	}
	return c
}

// Runtime is the plan queue runtime, wiring the plan state store, event
// bus, queue adapter, dedup service, capability policy enforcer, and the
// external tool agent together.
type Runtime struct {
	store  planstate.Store
	bus    *eventbus.Bus
	queue  queueadapter.Adapter
	dedupe dedup.Service
	policy PolicyEnforcer
	tools  ToolAgent
	cfg    Config

	locks planLocks
}

// New constructs a Runtime. All dependencies are required except policy,
// which may be nil to allow every step unconditionally (development run
// mode).
func New(store planstate.Store, bus *eventbus.Bus, queue queueadapter.Adapter, dedupe dedup.Service, policy PolicyEnforcer, tools ToolAgent, cfg Config) *Runtime {
	return &Runtime{
		store:  store,
		bus:    bus,
		queue:  queue,
		dedupe: dedupe,
		policy: policy,
		tools:  tools,
		cfg:    cfg.withDefaults(),
	}
}

// stepTaskMessage is the step-topic wire format.
type stepTaskMessage struct {
	PlanID    string            `json:"plan_id"`
	StepID    string            `json:"step_id"`
	Step      planmodel.PlanStep `json:"step"`
	Attempt   int               `json:"attempt"`
	TraceID   string            `json:"trace_id"`
	RequestID string            `json:"request_id,omitempty"`
	Subject   planmodel.Subject `json:"subject,omitempty"`
}

// completionMessage is the completions-topic wire format.
type completionMessage struct {
	PlanID     string                  `json:"plan_id"`
	StepID     string                  `json:"step_id"`
	State      planmodel.PlanStepState `json:"state"`
	Summary    string                  `json:"summary,omitempty"`
	Output     map[string]any          `json:"output,omitempty"`
	Attempt    int                     `json:"attempt,omitempty"`
	RequestID  string                  `json:"request_id,omitempty"`
	TraceID    string                  `json:"trace_id,omitempty"`
	OccurredAt time.Time               `json:"occurred_at,omitempty"`
	Approvals  map[string]bool         `json:"approvals,omitempty"`
}
