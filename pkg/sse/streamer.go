package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// Stream runs the SSE protocol for planID against w: headers, history
// replay, live subscription, and keepalives, blocking until ctx is
// cancelled (client disconnect) or a write fails. The caller owns quota
// acquisition/release around this call — see Quota.
//
// A replay write failure returns immediately without ever subscribing to
// live events, matching the "replay errors destroy the connection" rule;
// a write failure during live streaming stops the subscription the same
// way.
func Stream(ctx context.Context, w http.ResponseWriter, planID string, bus *eventbus.Bus, keepAliveInterval time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}
	if keepAliveInterval <= 0 {
		keepAliveInterval = time.Millisecond
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	writeEvent := func(evt planmodel.PlanStepEvent) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("sse: marshaling event: %w", err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(w, "event: plan.step\ndata: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, evt := range bus.GetHistory(planID) {
		if err := writeEvent(evt); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	unsub := bus.Subscribe(ctx, planID, func(evt planmodel.PlanStepEvent) {
		if err := writeEvent(evt); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	defer unsub()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			writeMu.Lock()
			_, err := fmt.Fprint(w, ": keep-alive\n\n")
			if err == nil {
				flusher.Flush()
			}
			writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}
