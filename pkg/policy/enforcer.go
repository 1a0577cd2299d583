// Package policy implements capability-based authorization: a pure
// function over {action, subject, run mode} with no side effects, called
// once per HTTP request (EnforceHTTPAction) and once per plan step before
// tool invocation (EnforcePlanStep).
package policy

import (
	"context"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
)

const RunModeEnterprise = "enterprise"

// HTTPAction describes the request-level decision point the HTTP layer
// calls before any side-effecting work.
type HTTPAction struct {
	Action               string
	RequiredCapabilities []string
	Agent                string
	TraceID              string
	Subject              planmodel.Subject
	RunMode              string
}

// Enforcer is the embedded rule evaluator: a capability is granted to a
// subject when one of its roles or scopes is mapped to that capability by
// Grants. It holds no external state and makes no I/O calls, so it can be
// constructed once at boot and shared across requests.
type Enforcer struct {
	// grantedBy maps a capability to the set of role/scope names that
	// carry it; a subject holding any of those roles or scopes (or the
	// capability string itself as a scope) is granted the capability.
	grantedBy map[string]map[string]struct{}
}

// NewEnforcer builds an Enforcer from a capability -> []role-or-scope
// grant table, e.g. {"plan.approve": {"approver", "admin"}}. Subjects
// additionally hold any capability present verbatim in their Scopes.
func NewEnforcer(grants map[string][]string) *Enforcer {
	e := &Enforcer{grantedBy: make(map[string]map[string]struct{}, len(grants))}
	for capability, holders := range grants {
		set := make(map[string]struct{}, len(holders))
		for _, h := range holders {
			set[h] = struct{}{}
		}
		e.grantedBy[capability] = set
	}
	return e
}

func (e *Enforcer) granted(capability string, subject planmodel.Subject) bool {
	for _, scope := range subject.Scopes {
		if scope == capability {
			return true
		}
	}
	holders, ok := e.grantedBy[capability]
	if !ok {
		return false
	}
	for _, role := range subject.Roles {
		if _, ok := holders[role]; ok {
			return true
		}
	}
	for _, scope := range subject.Scopes {
		if _, ok := holders[scope]; ok {
			return true
		}
	}
	return false
}

// EnforceHTTPAction implements enforceHttpAction. In enterprise run mode a
// subject is mandatory regardless of required capabilities.
func (e *Enforcer) EnforceHTTPAction(_ context.Context, action HTTPAction) (bool, []apperr.DenyReason) {
	var deny []apperr.DenyReason

	if action.RunMode == RunModeEnterprise && !hasSubject(action.Subject) {
		deny = append(deny, apperr.DenyReason{Reason: "subject required in enterprise run mode"})
	}

	for _, capability := range action.RequiredCapabilities {
		if !e.granted(capability, action.Subject) {
			deny = append(deny, apperr.DenyReason{
				Reason:     "missing required capability",
				Capability: capability,
			})
		}
	}

	return len(deny) == 0, deny
}

// EnforcePlanStep implements planrun.PolicyEnforcer: the per-step check run
// by the run loop just before a step transitions to running.
func (e *Enforcer) EnforcePlanStep(_ context.Context, step planmodel.PlanStep, subject planmodel.Subject) (bool, []planrun.PolicyDeny) {
	if step.Capability == "" {
		return true, nil
	}
	if e.granted(step.Capability, subject) {
		return true, nil
	}
	return false, []planrun.PolicyDeny{{
		Reason:     "missing required capability",
		Capability: step.Capability,
	}}
}

func hasSubject(s planmodel.Subject) bool {
	return s.SessionID != "" || s.HasIdentity()
}
