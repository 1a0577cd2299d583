// Package eventbus provides an in-process event bus: fan-out of
// plan-step events to a bounded per-plan replay history and to any number
// of live subscribers, each delivered in total publication order.
package eventbus

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// DropCause is why a subscriber stopped receiving events.
type DropCause string

// DropSlowConsumer is the cause recorded when a subscriber's buffer
// overflows; the SSE streamer maps it to a connection close.
const DropSlowConsumer DropCause = "slow_consumer"

// Handler receives bus events for a single subscription, always in
// publication order and always from the same goroutine.
type Handler func(event planmodel.PlanStepEvent)

// Unsubscribe detaches a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type subscriber struct {
	id      string
	planID  string
	handler Handler
	queue   chan planmodel.PlanStepEvent
	onDrop  func(cause DropCause)

	once sync.Once
	done chan struct{}
}

func (s *subscriber) run() {
	for {
		select {
		case evt, ok := <-s.queue:
			if !ok {
				return
			}
			s.handler(evt)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

type planChannel struct {
	mu        sync.RWMutex
	history   []planmodel.PlanStepEvent // ring buffer, oldest first
	maxHist   int
	latest    map[string]planmodel.PlanStepEvent // step id -> most recent event
	subs      map[string]*subscriber
}

// Bus is the event bus. The zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	plans       map[string]*planChannel
	historySize int
	bufferSize  int
	onSubDrop   func(planID, subID string, cause DropCause)
	nextSubID   uint64
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithOnSubscriberDrop registers a hook invoked whenever a subscriber is
// dropped for a slow-consumer overflow, for metrics/logging.
func WithOnSubscriberDrop(f func(planID, subID string, cause DropCause)) Option {
	return func(b *Bus) { b.onSubDrop = f }
}

// New creates a Bus. historySize bounds the per-plan replay ring;
// bufferSize bounds each subscriber's pending-event queue.
func New(historySize, bufferSize int, opts ...Option) *Bus {
	if historySize <= 0 {
		historySize = 100
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	b := &Bus{
		plans:       make(map[string]*planChannel),
		historySize: historySize,
		bufferSize:  bufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) planChan(planID string, create bool) *planChannel {
	b.mu.RLock()
	pc, ok := b.plans[planID]
	b.mu.RUnlock()
	if ok || !create {
		return pc
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pc, ok = b.plans[planID]; ok {
		return pc
	}
	pc = &planChannel{
		maxHist: b.historySize,
		latest:  make(map[string]planmodel.PlanStepEvent),
		subs:    make(map[string]*subscriber),
	}
	b.plans[planID] = pc
	return pc
}

// Publish stores event in the plan's bounded history and delivers a clone
// to every live subscriber of that plan, in publication order. Subscribers
// whose buffer is full are dropped with DropSlowConsumer rather than
// blocking the publisher.
func (b *Bus) Publish(event planmodel.PlanStepEvent) {
	pc := b.planChan(event.PlanID, true)

	pc.mu.Lock()
	pc.history = append(pc.history, event.Clone())
	if len(pc.history) > pc.maxHist {
		pc.history = pc.history[len(pc.history)-pc.maxHist:]
	}
	pc.latest[event.Step.ID] = event.Clone()

	subs := make([]*subscriber, 0, len(pc.subs))
	for _, s := range pc.subs {
		subs = append(subs, s)
	}
	pc.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- event.Clone():
		default:
			b.dropSubscriber(event.PlanID, s, DropSlowConsumer)
		}
	}
}

func (b *Bus) dropSubscriber(planID string, s *subscriber, cause DropCause) {
	pc := b.planChan(planID, false)
	if pc != nil {
		pc.mu.Lock()
		if cur, ok := pc.subs[s.id]; ok && cur == s {
			delete(pc.subs, s.id)
		}
		pc.mu.Unlock()
	}
	s.stop()

	slog.Warn("eventbus: subscriber dropped", "plan_id", planID, "subscriber_id", s.id, "cause", cause)
	if b.onSubDrop != nil {
		b.onSubDrop(planID, s.id, cause)
	}
}

// Subscribe registers handler to receive every subsequent event published
// for planID, in order, on a dedicated goroutine. The returned Unsubscribe
// detaches it; calling it after a slow-consumer drop is a safe no-op.
func (b *Bus) Subscribe(ctx context.Context, planID string, handler Handler) Unsubscribe {
	pc := b.planChan(planID, true)

	id := b.allocSubID()
	s := &subscriber{
		id:      id,
		planID:  planID,
		handler: handler,
		queue:   make(chan planmodel.PlanStepEvent, b.bufferSize),
		done:    make(chan struct{}),
	}

	pc.mu.Lock()
	pc.subs[id] = s
	pc.mu.Unlock()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(planID, s)
		case <-s.done:
		}
	}()

	return func() { b.unsubscribe(planID, s) }
}

func (b *Bus) unsubscribe(planID string, s *subscriber) {
	pc := b.planChan(planID, false)
	if pc != nil {
		pc.mu.Lock()
		if cur, ok := pc.subs[s.id]; ok && cur == s {
			delete(pc.subs, s.id)
		}
		pc.mu.Unlock()
	}
	s.stop()
}

func (b *Bus) allocSubID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	return "sub-" + strconv.FormatUint(b.nextSubID, 10)
}

// GetHistory returns an ordered snapshot of the plan's bounded replay history.
func (b *Bus) GetHistory(planID string) []planmodel.PlanStepEvent {
	pc := b.planChan(planID, false)
	if pc == nil {
		return nil
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make([]planmodel.PlanStepEvent, len(pc.history))
	for i, e := range pc.history {
		out[i] = e.Clone()
	}
	return out
}

// GetLatestStepEvent returns the most recent event for a given step,
// without any persistence I/O, used by the approval gate to check
// state cheaply.
func (b *Bus) GetLatestStepEvent(planID, stepID string) (planmodel.PlanStepEvent, bool) {
	pc := b.planChan(planID, false)
	if pc == nil {
		return planmodel.PlanStepEvent{}, false
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	evt, ok := pc.latest[stepID]
	if !ok {
		return planmodel.PlanStepEvent{}, false
	}
	return evt.Clone(), true
}

// ClearPlanHistory removes a plan's history and disconnects its
// subscribers, used once a plan is purged from the state store.
func (b *Bus) ClearPlanHistory(planID string) {
	b.mu.Lock()
	pc, ok := b.plans[planID]
	if ok {
		delete(b.plans, planID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	pc.mu.Lock()
	subs := make([]*subscriber, 0, len(pc.subs))
	for _, s := range pc.subs {
		subs = append(subs, s)
	}
	pc.subs = make(map[string]*subscriber)
	pc.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
