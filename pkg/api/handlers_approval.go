package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/approval"
	"github.com/planmesh/orchestrator/pkg/planrun"
	"github.com/planmesh/orchestrator/pkg/policy"
)

// approveStepHandler handles POST /plan/:id/steps/:stepId/approve.
func (s *Server) approveStepHandler(c *echo.Context) error {
	return s.decideStep(c, "")
}

// rejectStepHandler handles POST /plan/:id/steps/:stepId/reject. The
// decision is always "reject" regardless of the request body.
func (s *Server) rejectStepHandler(c *echo.Context) error {
	return s.decideStep(c, planrun.DecisionReject)
}

func (s *Server) decideStep(c *echo.Context, forcedDecision planrun.Decision) error {
	planID := c.Param("id")
	stepID := c.Param("stepId")
	if err := validatePlanID(planID); err != nil {
		return err
	}
	if err := validateStepIDParam(stepID); err != nil {
		return err
	}

	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidRequest("malformed request body")
	}

	decision, rationale, verr := validateApprovalRequest(req, forcedDecision)
	if verr != nil {
		return verr
	}

	subject := s.subjectFromRequest(c)
	if err := s.rateLimit(c, "plan", subject); err != nil {
		return err
	}
	// A missing session in enterprise run mode is an authentication
	// failure, reported before the policy check turns it into a 403.
	session, hasSession := sessionFromContext(c)
	if string(s.cfg.RunMode) == policy.RunModeEnterprise && !(hasSession && session.ID != "") {
		return apperr.Unauthorized("authentication required")
	}
	// approval.Decide gates both approve and reject on plan.approve (the
	// decision capability set only names that one), so the HTTP layer
	// must match it rather than splitting reject onto its own capability.
	if err := s.enforceHTTPAction(c, "plan.decide", []string{"plan.approve"}, subject); err != nil {
		return err
	}

	err := s.approvals.Decide(c.Request().Context(), approval.Request{
		PlanID:     planID,
		StepID:     stepID,
		Decision:   decision,
		Rationale:  rationale,
		TraceID:    traceID(c),
		Subject:    subject,
		HasSession: hasSession && session.ID != "",
		RunMode:    string(s.cfg.RunMode),
	})
	if err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
