package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

func TestEnforceHTTPActionGrantsByRole(t *testing.T) {
	e := NewEnforcer(map[string][]string{"plan.approve": {"approver"}})

	allow, deny := e.EnforceHTTPAction(context.Background(), HTTPAction{
		Action:               "approve",
		RequiredCapabilities: []string{"plan.approve"},
		Subject:              planmodel.Subject{SessionID: "s1", Roles: []string{"approver"}},
	})
	assert.True(t, allow)
	assert.Empty(t, deny)
}

func TestEnforceHTTPActionDeniesMissingCapability(t *testing.T) {
	e := NewEnforcer(map[string][]string{"plan.approve": {"approver"}})

	allow, deny := e.EnforceHTTPAction(context.Background(), HTTPAction{
		Action:               "approve",
		RequiredCapabilities: []string{"plan.approve"},
		Subject:              planmodel.Subject{SessionID: "s1", Roles: []string{"viewer"}},
	})
	assert.False(t, allow)
	require.Len(t, deny, 1)
	assert.Equal(t, "plan.approve", deny[0].Capability)
}

func TestEnforceHTTPActionGrantsByScopeVerbatim(t *testing.T) {
	e := NewEnforcer(nil)

	allow, deny := e.EnforceHTTPAction(context.Background(), HTTPAction{
		RequiredCapabilities: []string{"shell.exec"},
		Subject:              planmodel.Subject{SessionID: "s1", Scopes: []string{"shell.exec"}},
	})
	assert.True(t, allow)
	assert.Empty(t, deny)
}

func TestEnforceHTTPActionEnterpriseModeRequiresSubject(t *testing.T) {
	e := NewEnforcer(nil)

	allow, deny := e.EnforceHTTPAction(context.Background(), HTTPAction{
		RunMode: RunModeEnterprise,
		Subject: planmodel.Subject{},
	})
	assert.False(t, allow)
	require.Len(t, deny, 1)
	assert.Contains(t, deny[0].Reason, "enterprise")
}

func TestEnforcePlanStepNoCapabilityAlwaysAllowed(t *testing.T) {
	e := NewEnforcer(nil)
	allow, deny := e.EnforcePlanStep(context.Background(), planmodel.PlanStep{ID: "s1"}, planmodel.Subject{})
	assert.True(t, allow)
	assert.Empty(t, deny)
}

func TestEnforcePlanStepDeniesMissingCapability(t *testing.T) {
	e := NewEnforcer(map[string][]string{"deploy.apply": {"deployer"}})
	allow, deny := e.EnforcePlanStep(context.Background(), planmodel.PlanStep{ID: "s1", Capability: "deploy.apply"}, planmodel.Subject{Roles: []string{"viewer"}})
	assert.False(t, allow)
	require.Len(t, deny, 1)
	assert.Equal(t, "deploy.apply", deny[0].Capability)
}
