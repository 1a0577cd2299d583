// Package approval implements the approval gate: the HTTP-facing
// decision endpoint that authenticates, authorizes, and validates an
// approval/rejection before delegating to the run loop's ResolveApproval.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/policy"
)

const capabilityApprove = "plan.approve"

// Request is everything the HTTP layer has already resolved before
// calling Decide: the requesting subject (whether or not a session was
// present), the target step, and the human-supplied decision.
type Request struct {
	PlanID     string
	StepID     string
	Decision   planrun.Decision
	Rationale  string
	TraceID    string
	Subject    planmodel.Subject
	HasSession bool
	RunMode    string
}

// Service wires the run loop's ResolveApproval, the event bus's
// latest-event lookup, the persisted step store as a fallback, and
// capability enforcement into the approval gate's decision contract.
type Service struct {
	runtime  *planrun.Runtime
	bus      *eventbus.Bus
	store    planstate.Store
	enforcer *policy.Enforcer
	audit    AuditSink
}

// NewService constructs a Service. audit may be nil to disable auditing
// (development run mode); enforcer may be nil to allow every decision
// unconditionally.
func NewService(runtime *planrun.Runtime, bus *eventbus.Bus, store planstate.Store, enforcer *policy.Enforcer, audit AuditSink) *Service {
	return &Service{runtime: runtime, bus: bus, store: store, enforcer: enforcer, audit: audit}
}

// Decide runs the approval gate's full contract and, on success, calls
// the run loop's ResolveApproval. The caller is responsible for
// translating the returned *apperr.Error (if any) to an HTTP response.
func (s *Service) Decide(ctx context.Context, req Request) error {
	// A missing session is only fatal in enterprise run mode; session
	// binding is already enforced at the middleware layer, but the
	// decision is re-checked here since it gates a specific mutating
	// action.
	if req.RunMode == policy.RunModeEnterprise && !req.HasSession {
		return apperr.Unauthorized("authentication required")
	}

	// Look up the step's current state before the binding/capability
	// checks: the binding check needs the plan's owner, and a step found
	// in neither the event bus nor the store is reported as not_found to
	// every requester before either check runs. The owner comes from the
	// plan's metadata, which
	// survives the step row's terminal-state purge, so a re-decision on
	// an already-resolved step still binds correctly instead of
	// mismatching on a zeroed-out owner.
	owner, state, summary, output, err := s.lookupStep(ctx, req.PlanID, req.StepID)
	if err != nil {
		return err
	}

	// Enforce that only the plan's owning subject may decide its steps.
	if !planmodel.SubjectsMatch(owner, req.Subject) {
		return apperr.Forbidden("approval subject mismatch")
	}

	// Enforce the plan.approve capability.
	if s.enforcer != nil {
		if allow, deny := s.enforcer.EnforceHTTPAction(ctx, policy.HTTPAction{
			Action:               "plan.step." + string(req.Decision),
			RequiredCapabilities: []string{capabilityApprove},
			TraceID:              req.TraceID,
			Subject:              req.Subject,
			RunMode:              req.RunMode,
		}); !allow {
			return apperr.Forbidden("missing capability "+capabilityApprove, deny...)
		}
	}

	// The step must still be waiting on a human decision.
	if state != planmodel.StepWaitingApproval {
		return apperr.Conflict(fmt.Sprintf("step %s is not awaiting approval (state=%s)", req.StepID, state))
	}

	composed := composeSummary(req.Decision, req.Rationale, summary, output)

	if err := s.runtime.ResolveApproval(ctx, req.PlanID, req.StepID, req.Decision, composed); err != nil {
		return err
	}

	s.recordAudit(ctx, req, outcomeFor(req.Decision))
	return nil
}

// lookupStep resolves the step's current state from the event bus's latest
// event, falling back to the persisted step row when no event has been
// published yet. The owner subject always comes from the plan's metadata
// rather than the step row: the step row is deleted on the step's terminal
// transition, so a re-decision on an already-resolved step would otherwise
// see a zeroed-out owner and mismatch every requester, including the
// plan's real owner, turning what should be a 409 (already decided) into
// a 403 (subject mismatch).
func (s *Service) lookupStep(ctx context.Context, planID, stepID string) (owner planmodel.Subject, state planmodel.PlanStepState, summary string, output map[string]any, err error) {
	meta, ok, metaErr := s.store.GetPlanMetadata(ctx, planID)
	if metaErr != nil {
		return planmodel.Subject{}, "", "", nil, fmt.Errorf("approval: loading plan owner: %w", metaErr)
	}
	if ok {
		owner = meta.Owner
	}

	if evt, evtOK := s.bus.GetLatestStepEvent(planID, stepID); evtOK {
		return owner, evt.Step.State, evt.Step.Summary, evt.Step.Output, nil
	}

	row, rowOK, rowErr := s.store.GetStep(ctx, planID, stepID)
	if rowErr != nil {
		return planmodel.Subject{}, "", "", nil, fmt.Errorf("approval: loading step: %w", rowErr)
	}
	if !rowOK {
		return planmodel.Subject{}, "", "", nil, apperr.NotFound("step not found")
	}
	return owner, row.State, row.Summary, row.Output, nil
}

func composeSummary(decision planrun.Decision, rationale, fallback string, _ map[string]any) string {
	switch {
	case decision == planrun.DecisionApprove && rationale != "":
		return "Approved: " + rationale
	case decision == planrun.DecisionReject && rationale != "":
		return "Rejected: " + rationale
	case decision == planrun.DecisionApprove:
		return "Approved"
	case decision == planrun.DecisionReject:
		return "Rejected"
	default:
		return fallback
	}
}

func outcomeFor(decision planrun.Decision) string {
	if decision == planrun.DecisionReject {
		return "rejected"
	}
	return "approved"
}

func (s *Service) recordAudit(ctx context.Context, req Request, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.RecordAudit(ctx, AuditEvent{
		Event:      "plan.step." + string(req.Decision),
		Outcome:    outcome,
		PlanID:     req.PlanID,
		StepID:     req.StepID,
		TraceID:    req.TraceID,
		Subject:    req.Subject,
		OccurredAt: time.Now(),
	})
}
