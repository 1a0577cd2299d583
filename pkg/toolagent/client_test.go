package toolagent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
)

// fakeToolAgentServer is a hand-written stand-in for the generated server
// stub: it implements the two RPCs documented in toolagent.proto directly
// against the grpc.ServiceDesc machinery, since no .proto compiler runs as
// part of this build.
type fakeToolAgentServer struct {
	events []toolEventWire
	chat   chatResponseWire
}

func (s *fakeToolAgentServer) executeTool(stream grpc.ServerStream) error {
	var req executeToolRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	for _, ev := range s.events {
		if err := stream.SendMsg(&ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeToolAgentServer) routeChat(ctx context.Context, req *chatRequestWire) (*chatResponseWire, error) {
	resp := s.chat
	return &resp, nil
}

func executeToolStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*fakeToolAgentServer).executeTool(stream)
}

func routeChatUnaryHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req chatRequestWire
	if err := dec(&req); err != nil {
		return nil, err
	}
	return srv.(*fakeToolAgentServer).routeChat(ctx, &req)
}

var toolAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "toolagent.v1.ToolAgent",
	HandlerType: (*fakeToolAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RouteChat", Handler: routeChatUnaryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ExecuteTool", Handler: executeToolStreamHandler, ServerStreams: true},
	},
	Metadata: "toolagent.proto",
}

func startTestServer(t *testing.T, fake *fakeToolAgentServer, healthSrv *health.Server) *Client {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	server.RegisterService(&toolAgentServiceDesc, fake)
	if healthSrv != nil {
		grpc_health_v1.RegisterHealthServer(server, healthSrv)
	}
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &Client{conn: conn}
}

func TestExecuteToolStreamsEventsThenCloses(t *testing.T) {
	fake := &fakeToolAgentServer{events: []toolEventWire{
		{State: "running", Summary: "starting", OccurredAtUnixMs: time.Now().UnixMilli()},
		{State: "completed", Summary: "done", OutputJSON: `{"ok":true}`, OccurredAtUnixMs: time.Now().UnixMilli()},
	}}
	client := startTestServer(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.ExecuteTool(ctx, planrun.ToolInvocation{
		PlanID: "plan-1", StepID: "step-1", Tool: "echo", TimeoutSeconds: 10,
	})
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, planmodel.StepRunning, first.State)

	second := <-events
	assert.Equal(t, planmodel.StepCompleted, second.State)
	assert.Equal(t, true, second.Output["ok"])

	_, ok := <-events
	assert.False(t, ok, "channel must close after the terminal event")
}

func TestRouteChatReturnsReply(t *testing.T) {
	fake := &fakeToolAgentServer{chat: chatResponseWire{Message: "hello", FinishReason: "stop"}}
	client := startTestServer(t, fake, nil)

	resp, err := client.RouteChat(ChatRequest{Prompt: "hi", TraceID: "trace-1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestHealthMonitorReflectsServingStatus(t *testing.T) {
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	client := startTestServer(t, &fakeToolAgentServer{}, healthSrv)

	monitor := NewHealthMonitor(client)
	monitor.checkInterval = 10 * time.Millisecond
	monitor.pingTimeout = time.Second
	monitor.Start(context.Background())
	defer monitor.Stop()

	require.Eventually(t, monitor.IsHealthy, time.Second, 5*time.Millisecond)

	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	require.Eventually(t, func() bool { return !monitor.IsHealthy() }, time.Second, 5*time.Millisecond)
}
