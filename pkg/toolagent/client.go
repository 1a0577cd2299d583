// Package toolagent implements the client side of the external
// tool-execution agent and chat-routing provider: a remote process reached
// over gRPC that actually runs a plan step's tool and, separately, answers
// free-form chat turns.
package toolagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/planmesh/orchestrator/pkg/planmodel"
	"github.com/planmesh/orchestrator/pkg/planrun"
)

const (
	executeToolMethod = "/toolagent.v1.ToolAgent/ExecuteTool"
	routeChatMethod   = "/toolagent.v1.ToolAgent/RouteChat"
)

// Config dials the remote tool agent.
type Config struct {
	Target string
	// TLS, when set, is used instead of insecure transport credentials.
	TLS credentials.TransportCredentials
}

// Client is a planrun.ToolAgent and ChatRouter backed by a single gRPC
// connection to the remote tool-execution agent.
type Client struct {
	conn *grpc.ClientConn
}

var _ planrun.ToolAgent = (*Client)(nil)
var _ ChatRouter = (*Client)(nil)

// NewClient dials the remote agent. The connection is lazy: gRPC connects
// on first use, so a misconfigured target is only discovered once a call
// is actually made.
func NewClient(cfg Config) (*Client, error) {
	creds := cfg.TLS
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("toolagent: dial %s: %w", cfg.Target, err)
	}
	return &Client{conn: conn}, nil
}

// Conn exposes the underlying connection, e.g. for a health monitor that
// shares it rather than dialing twice.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// ExecuteTool implements planrun.ToolAgent by opening a server-streaming
// call and translating each wire ToolEvent into planrun's ToolEvent type.
// The returned channel is closed once the stream ends, whether by a
// terminal event, an error, or context cancellation.
func (c *Client) ExecuteTool(ctx context.Context, inv planrun.ToolInvocation) (<-chan planrun.ToolEvent, error) {
	inputJSON, err := json.Marshal(inv.Input)
	if err != nil {
		return nil, fmt.Errorf("toolagent: marshal input: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, executeToolMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("toolagent: open stream: %w", err)
	}

	req := executeToolRequest{
		PlanID:         inv.PlanID,
		StepID:         inv.StepID,
		Tool:           inv.Tool,
		Capability:     inv.Capability,
		InputJSON:      string(inputJSON),
		TimeoutSeconds: inv.TimeoutSeconds,
		TraceID:        inv.TraceID,
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("toolagent: send invocation: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("toolagent: close send: %w", err)
	}

	events := make(chan planrun.ToolEvent, 1)
	go func() {
		defer close(events)
		for {
			var wire toolEventWire
			err := stream.RecvMsg(&wire)
			if err == io.EOF {
				return
			}
			if err != nil {
				events <- planrun.ToolEvent{
					State:      planmodel.StepFailed,
					Summary:    fmt.Sprintf("tool agent stream error: %v", err),
					Retryable:  true,
					OccurredAt: time.Now(),
				}
				return
			}

			event := planrun.ToolEvent{
				State:      planmodel.PlanStepState(wire.State),
				Summary:    wire.Summary,
				Retryable:  wire.Retryable,
				OccurredAt: wire.occurredAt(),
			}
			if wire.OutputJSON != "" {
				var output map[string]any
				if err := json.Unmarshal([]byte(wire.OutputJSON), &output); err == nil {
					event.Output = output
				}
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}

			if event.State != planmodel.StepRunning {
				return
			}
		}
	}()

	return events, nil
}

// RouteChat implements ChatRouter via a unary RPC.
func (c *Client) RouteChat(req ChatRequest) (ChatResponse, error) {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("toolagent: marshal chat context: %w", err)
	}

	wireReq := chatRequestWire{
		Prompt:      req.Prompt,
		ContextJSON: string(contextJSON),
		TraceID:     req.TraceID,
	}
	var wireResp chatResponseWire

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.conn.Invoke(ctx, routeChatMethod, &wireReq, &wireResp,
		grpc.CallContentSubtype(codecName)); err != nil {
		return ChatResponse{}, fmt.Errorf("toolagent: route chat: %w", err)
	}

	return ChatResponse{Message: wireResp.Message, FinishReason: wireResp.FinishReason}, nil
}
