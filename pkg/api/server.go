// Package api provides the HTTP surface: request/trace-id propagation,
// input validation, CORS, security headers, and routing to the plan
// runtime, approval gate, and event bus.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/planmesh/orchestrator/pkg/approval"
	"github.com/planmesh/orchestrator/pkg/authsession"
	"github.com/planmesh/orchestrator/pkg/config"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planrun"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/policy"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
	"github.com/planmesh/orchestrator/pkg/ratelimit"
	"github.com/planmesh/orchestrator/pkg/sse"
	"github.com/planmesh/orchestrator/pkg/toolagent"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config

	runtime    *planrun.Runtime
	approvals  *approval.Service
	bus        *eventbus.Bus
	store      planstate.Store
	sessions   *authsession.Store
	policyEnf  *policy.Enforcer
	limiter    *ratelimit.Manager
	sseQuota   *sse.Quota
	completionQueue string

	queue queueadapter.Adapter

	toolHealth *toolagent.HealthMonitor // nil until SetToolHealthMonitor is called
	log        *slog.Logger
	startedAt  time.Time
}

// Deps bundles every component NewServer wires into routes. All fields
// are required except where noted.
type Deps struct {
	Config     *config.Config
	Runtime    *planrun.Runtime
	Approvals  *approval.Service
	Bus        *eventbus.Bus
	Store      planstate.Store
	Sessions   *authsession.Store
	PolicyEnf  *policy.Enforcer
	Limiter    *ratelimit.Manager
	SSEQuota   *sse.Quota
	Queue      queueadapter.Adapter
	// CompletionQueue names the queue whose depth backs the /readyz queue
	// detail; optional, defaults to "step-completions".
	CompletionQueue string
}

// NewServer creates a new API server with Echo v5 and registers every
// route. Call Start or StartWithListener to begin serving.
func NewServer(deps Deps) *Server {
	e := echo.New()

	queueName := deps.CompletionQueue
	if queueName == "" {
		queueName = "step-completions"
	}

	s := &Server{
		echo:            e,
		cfg:             deps.Config,
		runtime:         deps.Runtime,
		approvals:       deps.Approvals,
		bus:             deps.Bus,
		store:           deps.Store,
		sessions:        deps.Sessions,
		policyEnf:       deps.PolicyEnf,
		limiter:         deps.Limiter,
		sseQuota:        deps.SSEQuota,
		queue:           deps.Queue,
		completionQueue: queueName,
		log:             slog.With("component", "api"),
		startedAt:       time.Now(),
	}

	e.HTTPErrorHandler = httpErrorHandler(s.log)
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// SetToolHealthMonitor wires the optional remote tool-agent health monitor
// consulted by GET /readyz. Left nil, readiness reports the queue only.
func (s *Server) SetToolHealthMonitor(m *toolagent.HealthMonitor) {
	s.toolHealth = m
}

func (s *Server) setupMiddleware() {
	cfg := s.cfg.Server

	// Middleware order matches the required chain: request/trace ids,
	// security headers, CORS, body limits, access logging, session bind.
	s.echo.Use(requestTraceIDs())
	s.echo.Use(securityHeaders())
	s.echo.Use(cors(cfg.CORSAllowedOrigins))
	s.echo.Use(bodyLimits(cfg.RequestLimits.JSONBytes, cfg.RequestLimits.URLEncodedBytes))
	s.echo.Use(accessLog(s.log))
	s.echo.Use(sessionBind(s.sessions, authsession.Config{
		OIDCEnabled: s.cfg.Auth.OIDCEnabled,
		CookieName:  s.cfg.Auth.CookieName,
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.livenessHandler)
	s.echo.GET("/readyz", s.readinessHandler)
	s.echo.GET("/metrics", echo.WrapHandler(promMetricsHandler()))

	s.echo.POST("/plan", s.createPlanHandler)
	s.echo.GET("/plan/:id/events", s.planEventsHandler)
	s.echo.POST("/plan/:id/steps/:stepId/approve", s.approveStepHandler)
	s.echo.POST("/plan/:id/steps/:stepId/reject", s.rejectStepHandler)

	s.echo.GET("/api/v1/ws", s.wsHandler)
}

// Handler returns the assembled http.Handler, wrapping it in an OTel
// span-creating handler when tracing is enabled so every request carries
// a real trace context (propagated via traceparent). The X-Trace-Id
// response header is the separate id set by requestTraceIDs, not the
// span's trace id. No exporter is attached here or in cmd/planorch, so
// the spans are not sent anywhere.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.echo
	if s.cfg.Tracing.Enabled {
		h = otelhttp.NewHandler(h, s.cfg.Tracing.ServiceName)
	}
	return h
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener,
// used by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
