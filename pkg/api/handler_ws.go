package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
)

const wsWriteTimeout = 5 * time.Second

// clientMessage is the single inbound frame shape: a subscribe/unsubscribe
// toggle on a plan_id, or a ping kept alive by the client.
type clientMessage struct {
	Type   string `json:"type"`
	PlanID string `json:"plan_id"`
}

// wsConn serializes writes to the underlying connection: eventbus.Subscribe
// delivers each plan's events on its own goroutine, and one client can
// subscribe to several plans over the same socket, so concurrent sends
// must not race on the wire.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("ws: failed to marshal message", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("ws: failed to write message", "error", err)
	}
}

// wsHandler upgrades the connection and multiplexes plan.step events for
// whichever plan ids the client has subscribed to, generalizing the
// teacher's channel-subscription protocol from session/chat channels to
// plan ids. Kept alongside the SSE stream (sse.Stream) as a second
// transport for tooling that wants one socket multiplexing several plans
// instead of one stream per plan.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	w := &wsConn{conn: conn}
	subject := s.subjectFromRequest(c)
	w.sendJSON(ctx, map[string]string{"type": "connection.established"})

	unsub := make(map[string]eventbus.Unsubscribe)
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.sendJSON(ctx, map[string]string{"type": "error", "message": "malformed message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			s.wsSubscribe(ctx, w, subject, msg.PlanID, unsub)
		case "unsubscribe":
			if u, ok := unsub[msg.PlanID]; ok {
				u()
				delete(unsub, msg.PlanID)
			}
		case "ping":
			w.sendJSON(ctx, map[string]string{"type": "pong"})
		default:
			w.sendJSON(ctx, map[string]string{"type": "error", "message": "unknown message type"})
		}
	}
}

func (s *Server) wsSubscribe(ctx context.Context, w *wsConn, subject planmodel.Subject, planID string, unsub map[string]eventbus.Unsubscribe) {
	if planID == "" {
		w.sendJSON(ctx, map[string]string{"type": "error", "message": "plan_id is required for subscribe"})
		return
	}
	if _, already := unsub[planID]; already {
		return
	}

	meta, ok, err := s.store.GetPlanMetadata(ctx, planID)
	if err != nil || !ok || !planmodel.SubjectsMatch(meta.Owner, subject) {
		w.sendJSON(ctx, map[string]string{"type": "error", "message": "plan not found or not accessible"})
		return
	}

	for _, evt := range s.bus.GetHistory(planID) {
		w.sendJSON(ctx, evt)
	}

	unsub[planID] = s.bus.Subscribe(ctx, planID, func(event planmodel.PlanStepEvent) {
		w.sendJSON(ctx, event)
	})
}
