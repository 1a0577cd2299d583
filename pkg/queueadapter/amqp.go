package queueadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/planmesh/orchestrator/pkg/dedup"
)

// AMQPConfig configures an AMQPAdapter.
type AMQPConfig struct {
	URL             string
	Prefetch        int // default 1
	MaxAttempts     int // default 5
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	Tenant          string
}

// AMQPAdapter is the AMQP-style Adapter variant: durable queues,
// per-channel prefetch, manual ack, retry via republish with an
// incremented x-attempts header, and a sibling "<queue>.dead" queue for
// dead-lettered messages.
type AMQPAdapter struct {
	cfg     AMQPConfig
	dedup   dedup.Service
	metrics *Metrics
	onDL    func(DeadLetter)

	mu      sync.RWMutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	closed  bool
	connGen int64 // bumped on every reconnect, used to detect stale channels
}

// NewAMQPAdapter creates an AMQPAdapter. It does not connect until Connect is called.
func NewAMQPAdapter(cfg AMQPConfig, dedupSvc dedup.Service, metrics *Metrics, onDeadLetter func(DeadLetter)) *AMQPAdapter {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &AMQPAdapter{cfg: cfg, dedup: dedupSvc, metrics: metrics, onDL: onDeadLetter}
}

// Connect implements Adapter, dialing the broker and opening a channel
// with the configured prefetch.
func (a *AMQPAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && !a.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	a.conn = conn
	a.ch = ch
	a.closed = false
	a.connGen++

	go a.watchDisconnect(conn, a.connGen)
	return nil
}

// watchDisconnect reconnects with exponential backoff on unexpected broker
// disconnects, refusing enqueues in the meantime (Connect is re-entrant).
func (a *AMQPAdapter) watchDisconnect(conn *amqp.Connection, gen int64) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	err, ok := <-notify
	if !ok || err == nil {
		return // graceful Close()
	}

	a.mu.Lock()
	stale := gen != a.connGen
	if !stale {
		a.conn = nil
		a.ch = nil
	}
	a.mu.Unlock()
	if stale {
		return
	}

	slog.Warn("amqp: connection lost, reconnecting", "error", err)
	backoff := a.cfg.ReconnectMin
	for {
		if connErr := a.Connect(context.Background()); connErr == nil {
			slog.Info("amqp: reconnected")
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > a.cfg.ReconnectMax {
			backoff = a.cfg.ReconnectMax
		}
	}
}

// Close implements Adapter.
func (a *AMQPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	var err error
	if a.ch != nil {
		err = a.ch.Close()
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	a.conn = nil
	a.ch = nil
	return err
}

func (a *AMQPAdapter) channel() (*amqp.Channel, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || a.ch == nil {
		return nil, ErrClosed
	}
	return a.ch, nil
}

func (a *AMQPAdapter) ensureQueues(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue+".dead", true, false, false, false, nil); err != nil {
		return err
	}
	return nil
}

// Enqueue implements Adapter.
func (a *AMQPAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
		ok, derr := a.dedup.TryReserve(ctx, opts.IdempotencyKey, 0)
		if derr != nil {
			return fmt.Errorf("%w: dedup reserve: %w", ErrPublishFailed, derr)
		}
		if !ok {
			return ErrDuplicate
		}
	}

	if err := a.ensureQueues(ch, queue); err != nil {
		a.releaseOnFailure(ctx, opts)
		return fmt.Errorf("%w: declare queue: %w", ErrPublishFailed, err)
	}

	headers := amqp.Table{HeaderAttempts: "0"}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	pub := amqp.Publishing{
		Body:         payload,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if opts.DelayMs > 0 {
		pub.Expiration = strconv.FormatInt(opts.DelayMs, 10)
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		a.releaseOnFailure(ctx, opts)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if a.metrics != nil {
		a.metrics.Enqueue.WithLabelValues(queue, string(TransportAMQP), a.cfg.Tenant).Inc()
	}
	return nil
}

func (a *AMQPAdapter) releaseOnFailure(ctx context.Context, opts EnqueueOptions) {
	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
		_ = a.dedup.Release(ctx, opts.IdempotencyKey)
	}
}

// Consume implements Adapter, delivering messages exclusively per AMQP
// basic.consume semantics with manual ack.
func (a *AMQPAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	if err := a.ensureQueues(ch, queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp: delivery channel closed")
			}
			a.handleDelivery(ctx, ch, queue, msg, handler)
		}
	}
}

func (a *AMQPAdapter) handleDelivery(ctx context.Context, ch *amqp.Channel, queue string, msg amqp.Delivery, handler Handler) {
	attempts := 0
	if v, ok := msg.Headers[HeaderAttempts]; ok {
		if s, ok := v.(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				attempts = n
			}
		}
	}

	headers := Headers{}
	for k, v := range msg.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	d := &amqpDelivery{
		adapter:  a,
		ch:       ch,
		queue:    queue,
		msg:      msg,
		attempts: attempts,
		headers:  headers,
	}

	if err := handler(ctx, d); err != nil && !d.terminalCalled() {
		if attempts+1 >= a.cfg.MaxAttempts {
			_ = d.DeadLetter(ctx, err.Error())
		} else {
			_ = d.Retry(ctx, 0)
		}
	}
}

// GetQueueDepth implements Adapter via passive queue declare.
func (a *AMQPAdapter) GetQueueDepth(_ context.Context, queue string) int {
	ch, err := a.channel()
	if err != nil {
		if a.metrics != nil {
			a.metrics.ResetQueue(queue, string(TransportAMQP), a.cfg.Tenant)
		}
		return 0
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		if a.metrics != nil {
			a.metrics.ResetQueue(queue, string(TransportAMQP), a.cfg.Tenant)
		}
		return 0
	}
	if a.metrics != nil {
		a.metrics.Depth.WithLabelValues(queue, string(TransportAMQP), a.cfg.Tenant).Set(float64(q.Messages))
		a.metrics.Lag.WithLabelValues(queue, string(TransportAMQP), a.cfg.Tenant).Set(float64(q.Messages))
	}
	return q.Messages
}

// amqpDelivery implements Delivery for AMQPAdapter.
type amqpDelivery struct {
	adapter  *AMQPAdapter
	ch       *amqp.Channel
	queue    string
	msg      amqp.Delivery
	attempts int
	headers  Headers
	terminal int32
}

func (d *amqpDelivery) terminalCalled() bool { return atomic.LoadInt32(&d.terminal) == 1 }
func (d *amqpDelivery) claimTerminal() bool  { return atomic.CompareAndSwapInt32(&d.terminal, 0, 1) }

func (d *amqpDelivery) Payload() []byte { return d.msg.Body }
func (d *amqpDelivery) Attempts() int   { return d.attempts + 1 }
func (d *amqpDelivery) Headers() Headers { return d.headers }

func (d *amqpDelivery) Ack() error {
	if !d.claimTerminal() {
		return nil
	}
	if d.adapter.metrics != nil {
		d.adapter.metrics.Ack.WithLabelValues(d.queue, string(TransportAMQP), d.adapter.cfg.Tenant).Inc()
	}
	return d.msg.Ack(false)
}

func (d *amqpDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if !d.claimTerminal() {
		return nil
	}
	// Poison-message guard: if the payload cannot round-trip as a message
	// at all, callers should DeadLetter directly instead of Retry; Retry
	// here always republishes the same bytes with x-attempts incremented.
	if err := d.msg.Ack(false); err != nil {
		return err
	}

	delayMs := int64(0)
	if delay > 0 {
		delayMs = delay.Milliseconds()
	}

	headers := Headers{}
	for k, v := range d.headers {
		headers[k] = v
	}
	headers[HeaderAttempts] = strconv.Itoa(d.attempts + 1)

	opts := EnqueueOptions{SkipDedup: true, Headers: headers, DelayMs: delayMs}
	err := d.adapter.Enqueue(ctx, d.queue, d.msg.Body, opts)
	if err == nil && d.adapter.metrics != nil {
		d.adapter.metrics.Retry.WithLabelValues(d.queue, string(TransportAMQP), d.adapter.cfg.Tenant).Inc()
	}
	return err
}

func (d *amqpDelivery) DeadLetter(ctx context.Context, reason string) error {
	if !d.claimTerminal() {
		return nil
	}
	if err := d.msg.Ack(false); err != nil {
		return err
	}

	slog.Warn("amqp: message dead-lettered", "queue", d.queue, "reason", reason, "attempts", d.attempts+1)

	_, err := d.ch.QueueDeclare(d.queue+".dead", true, false, false, false, nil)
	if err == nil {
		headers := amqp.Table{}
		for k, v := range d.headers {
			headers[k] = v
		}
		headers[HeaderAttempts] = strconv.Itoa(d.attempts + 1)
		headers["dead_letter_reason"] = reason

		err = d.ch.PublishWithContext(ctx, "", d.queue+".dead", false, false, amqp.Publishing{
			Body:         d.msg.Body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
	}

	if d.adapter.metrics != nil {
		d.adapter.metrics.DeadLetter.WithLabelValues(d.queue, string(TransportAMQP), d.adapter.cfg.Tenant).Inc()
	}
	if d.adapter.onDL != nil {
		d.adapter.onDL(DeadLetter{Queue: d.queue, Reason: reason, Payload: d.msg.Body, Headers: d.headers, Attempts: d.attempts + 1})
	}
	return err
}
