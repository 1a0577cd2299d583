package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/policy"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
	"github.com/planmesh/orchestrator/pkg/ratelimit"
	"github.com/planmesh/orchestrator/pkg/sse"
)

func (s *Server) subjectFromRequest(c *echo.Context) planmodel.Subject {
	session, ok := sessionFromContext(c)
	if !ok {
		return planmodel.Subject{}
	}
	return session.ToPlanSubject(session.ID)
}

func (s *Server) identity(c *echo.Context, subject planmodel.Subject) ratelimit.Identity {
	return ratelimit.Identity{SubjectID: subject.UserID, IP: c.RealIP()}
}

func (s *Server) rateLimit(c *echo.Context, endpoint string, subject planmodel.Subject) error {
	allowed, retryAfterMs, err := s.limiter.Allow(c.Request().Context(), endpoint, s.identity(c, subject))
	if err != nil {
		return apperr.UpstreamError("rate limiter unavailable", err)
	}
	if !allowed {
		return apperr.TooManyRequests("rate limit exceeded", retryAfterMs)
	}
	return nil
}

func (s *Server) enforceHTTPAction(c *echo.Context, action string, capabilities []string, subject planmodel.Subject) error {
	allow, deny := s.policyEnf.EnforceHTTPAction(c.Request().Context(), policy.HTTPAction{
		Action:               action,
		RequiredCapabilities: capabilities,
		TraceID:              traceID(c),
		Subject:              subject,
		RunMode:              string(s.cfg.RunMode),
	})
	if !allow {
		appErr := apperr.Forbidden("action denied by policy")
		appErr.Details = deny
		return appErr
	}
	return nil
}

// createPlanHandler handles POST /plan.
func (s *Server) createPlanHandler(c *echo.Context) error {
	var req CreatePlanRequest
	if err := c.Bind(&req); err != nil {
		return apperr.InvalidRequest("malformed request body")
	}

	subject := s.subjectFromRequest(c)
	if err := s.rateLimit(c, "plan", subject); err != nil {
		return err
	}
	if err := s.enforceHTTPAction(c, "plan.create", []string{"plan.create"}, subject); err != nil {
		return err
	}

	steps, verr := validateCreatePlanRequest(req)
	if verr != nil {
		return verr
	}

	plan := planmodel.Plan{
		ID:      planmodel.NewPlanID(),
		Goal:    strings.TrimSpace(req.Goal),
		Steps:   steps,
		Owner:   subject,
		TraceID: traceID(c),
	}

	if err := s.runtime.Submit(c.Request().Context(), plan, traceID(c), requestID(c)); err != nil {
		// 502 is scoped to the broker/provider actually rejecting the
		// enqueue; a plan-state persistence failure is neither and falls
		// through to the generic 500 the error handler gives any
		// unrecognized error.
		if errors.Is(err, queueadapter.ErrPublishFailed) {
			return apperr.UpstreamError("failed to submit plan", err)
		}
		return err
	}

	return c.JSON(http.StatusCreated, PlanResponse{
		Plan:      plan,
		RequestID: requestID(c),
		TraceID:   traceID(c),
	})
}

// planEventsHandler handles GET /plan/:id/events, branching on Accept into
// a JSON history replay or a live SSE stream.
func (s *Server) planEventsHandler(c *echo.Context) error {
	planID := c.Param("id")
	if err := validatePlanID(planID); err != nil {
		return err
	}

	subject := s.subjectFromRequest(c)
	if err := s.rateLimit(c, "plan", subject); err != nil {
		return err
	}
	if err := s.enforceHTTPAction(c, "plan.events", nil, subject); err != nil {
		return err
	}

	if err := s.checkOwnership(c, planID, subject); err != nil {
		return err
	}

	if acceptsEventStream(c.Request().Header.Get("Accept")) {
		return s.streamPlanEvents(c, planID, subject)
	}

	c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, EventsResponse{
		Events:    s.bus.GetHistory(planID),
		RequestID: requestID(c),
		TraceID:   traceID(c),
	})
}

func acceptsEventStream(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(part), "text/event-stream") {
			return true
		}
	}
	return false
}

// checkOwnership forbids a requester whose subject doesn't match the plan
// owner, regardless of which variant (SSE stream or JSON history) the
// request ends up taking.
func (s *Server) checkOwnership(c *echo.Context, planID string, subject planmodel.Subject) error {
	meta, ok, err := s.store.GetPlanMetadata(c.Request().Context(), planID)
	if err != nil {
		return apperr.UpstreamError("failed to load plan", err)
	}
	if !ok {
		return apperr.NotFound("plan not found")
	}
	if !planmodel.SubjectsMatch(meta.Owner, subject) {
		return apperr.Forbidden("subject does not match plan owner")
	}
	return nil
}

func (s *Server) streamPlanEvents(c *echo.Context, planID string, subject planmodel.Subject) error {
	release, ok := s.sseQuota.Acquire(c.RealIP(), subject.UserID)
	if !ok {
		return apperr.TooManyRequests("too many concurrent streams", 0)
	}
	defer release()

	if err := sse.Stream(c.Request().Context(), c.Response(), planID, s.bus, s.cfg.Server.SSEKeepAlive); err != nil {
		s.log.Warn("sse stream ended with error", "plan_id", planID, "error", err)
	}
	return nil
}
