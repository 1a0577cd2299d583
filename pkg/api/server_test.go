package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/approval"
	"github.com/planmesh/orchestrator/pkg/authsession"
	"github.com/planmesh/orchestrator/pkg/config"
	"github.com/planmesh/orchestrator/pkg/dedup"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/policy"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
	"github.com/planmesh/orchestrator/pkg/ratelimit"
	"github.com/planmesh/orchestrator/pkg/sse"
)

// stubToolAgent completes every step immediately, so plan submission
// through the HTTP layer reaches a terminal state without a real broker
// round-trip.
type stubToolAgent struct{}

func (stubToolAgent) ExecuteTool(_ context.Context, inv planrun.ToolInvocation) (<-chan planrun.ToolEvent, error) {
	ch := make(chan planrun.ToolEvent, 1)
	ch <- planrun.ToolEvent{State: planmodel.StepCompleted, Summary: "ok"}
	close(ch)
	return ch, nil
}

type testServer struct {
	srv      *Server
	bus      *eventbus.Bus
	store    planstate.Store
	sessions *authsession.Store
}

func newTestServer(t *testing.T, runMode config.RunMode) *testServer {
	t.Helper()
	dir := t.TempDir()
	store := planstate.NewFileStore(filepath.Join(dir, "state.json"), 0)
	t.Cleanup(func() { _ = store.Close() })

	dedupe := dedup.NewMemoryService(time.Minute)
	t.Cleanup(func() { _ = dedupe.Close() })

	queue := queueadapter.NewMemoryAdapter(dedupe, nil, "test", 3, 10*time.Millisecond)
	t.Cleanup(func() { _ = queue.Close() })

	bus := eventbus.New(50, 50)
	enforcer := policy.NewEnforcer(map[string][]string{
		"plan.create":  {"user"},
		"plan.events":  {"user"},
		"plan.approve": {"user"},
		"chat.route":   {"user"},
	})

	rt := planrun.New(store, bus, queue, dedupe, enforcer, stubToolAgent{}, planrun.Config{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rt.Run(ctx) }()

	approvals := approval.NewService(rt, bus, store, enforcer, nil)
	sessions := authsession.NewStore()

	cfg := &config.Config{
		RunMode: runMode,
		Server: config.ServerConfig{
			SSEKeepAlive:       10 * time.Millisecond,
			SSEQuotaPerIP:      2,
			SSEQuotaPerSubject: 2,
			RateLimits: config.RateLimitsConfig{
				Plan: config.EndpointLimit{WindowMs: 60_000, MaxRequests: 1000},
			},
			RequestLimits: config.RequestLimitsConfig{JSONBytes: 1 << 20, URLEncodedBytes: 1 << 18},
		},
		Auth: config.AuthConfig{CookieName: "session_id"},
	}

	limiter := ratelimit.NewManager(ratelimit.NewMemoryStore(), map[string]ratelimit.EndpointConfig{
		"plan": {WindowMs: cfg.Server.RateLimits.Plan.WindowMs, MaxRequests: cfg.Server.RateLimits.Plan.MaxRequests},
	})

	srv := NewServer(Deps{
		Config:    cfg,
		Runtime:   rt,
		Approvals: approvals,
		Bus:       bus,
		Store:     store,
		Sessions:  sessions,
		PolicyEnf: enforcer,
		Limiter:   limiter,
		SSEQuota:  sse.NewQuota(sse.QuotaConfig{PerIP: cfg.Server.SSEQuotaPerIP, PerSubject: cfg.Server.SSEQuotaPerSubject}),
		Queue:     queue,
	})

	return &testServer{srv: srv, bus: bus, store: store, sessions: sessions}
}

func (ts *testServer) withSession(req *http.Request, rec authsession.SessionRecord) *http.Request {
	ts.sessions.Put(rec)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: rec.ID})
	return req
}

func TestCreatePlanHappyPathSynthesizesDefaultStep(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)

	body := strings.NewReader(`{"goal":"launch feature"}`)
	req := httptest.NewRequest(http.MethodPost, "/plan", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp PlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Plan.Steps, 1)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	require.Eventually(t, func() bool {
		history := ts.bus.GetHistory(resp.Plan.ID)
		for _, evt := range history {
			if evt.Step.State == planmodel.StepCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreatePlanRejectsEmptyGoal(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)

	req := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"goal":"  "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(apperr.CodeInvalidRequest), resp.Code)
}

func TestPlanEventsSubjectMismatchIsForbidden(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)

	owner := authsession.SessionRecord{ID: "sess-owner", Subject: "user-a", TenantID: "tenant-1", Roles: []string{"user"}}
	create := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"goal":"do a thing"}`))
	create.Header.Set("Content-Type", "application/json")
	create = ts.withSession(create, owner)
	createRec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(createRec, create)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created PlanResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	other := authsession.SessionRecord{ID: "sess-other", Subject: "user-b", TenantID: "tenant-1", Roles: []string{"user"}}
	get := httptest.NewRequest(http.MethodGet, "/plan/"+created.Plan.ID+"/events", nil)
	get = ts.withSession(get, other)
	getRec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(getRec, get)

	require.Equal(t, http.StatusForbidden, getRec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.Equal(t, string(apperr.CodeForbidden), resp.Code)
}

func TestApproveUnknownStepIsNotFound(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)
	owner := authsession.SessionRecord{ID: "sess-0001", Subject: "user-a", Roles: []string{"user"}}

	req := httptest.NewRequest(http.MethodPost, "/plan/plan-deadbeefdeadbeef/steps/step-1/approve", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req = ts.withSession(req, owner)
	rec := httptest.NewRecorder()

	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestWebSocketStreamsSubscribedPlanEvents(t *testing.T) {
	ts := newTestServer(t, config.RunModeDevelopment)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	owner := authsession.SessionRecord{ID: "sess-ws-01", Subject: "user-ws", Roles: []string{"user"}}
	create := httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"goal":"stream me"}`))
	create.Header.Set("Content-Type", "application/json")
	create = ts.withSession(create, owner)
	createRec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(createRec, create)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created PlanResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: "session_id", Value: owner.ID}).String())

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var established map[string]string
	require.NoError(t, json.Unmarshal(data, &established))
	assert.Equal(t, "connection.established", established["type"])

	sub, err := json.Marshal(clientMessage{Type: "subscribe", PlanID: created.Plan.ID})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))

	sawCompleted := false
	for !sawCompleted {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt planmodel.PlanStepEvent
		if err := json.Unmarshal(data, &evt); err == nil && evt.Step.State == planmodel.StepCompleted {
			sawCompleted = true
		}
	}
}

func TestEnterpriseRunModeRequiresSessionForApproval(t *testing.T) {
	ts := newTestServer(t, config.RunModeEnterprise)

	req := httptest.NewRequest(http.MethodPost, "/plan/plan-deadbeefdeadbeef/steps/step-1/reject", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	ts.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
