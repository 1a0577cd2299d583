package queueadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/planmesh/orchestrator/pkg/dedup"
)

// NATSConfig configures a NATSLogAdapter.
type NATSConfig struct {
	URL          string
	Partitions   int // subjects "<queue>.<n>" within one stream per queue
	MaxAttempts  int
	FetchTimeout time.Duration
	Tenant       string
}

// NATSLogAdapter is the log-based Adapter variant: a JetStream stream per
// queue, partitioned across subjects "<queue>.0".."<queue>.N-1" with one
// durable pull consumer per partition, modeling consumer groups with
// per-partition ordering.
type NATSLogAdapter struct {
	cfg     NATSConfig
	dedup   dedup.Service
	metrics *Metrics
	onDL    func(DeadLetter)

	mu   sync.RWMutex
	nc   *nats.Conn
	js   nats.JetStreamContext
	next map[string]*uint64 // queue -> round-robin partition cursor
}

// NewNATSLogAdapter creates a NATSLogAdapter. It does not connect until Connect is called.
func NewNATSLogAdapter(cfg NATSConfig, dedupSvc dedup.Service, metrics *Metrics, onDeadLetter func(DeadLetter)) *NATSLogAdapter {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &NATSLogAdapter{cfg: cfg, dedup: dedupSvc, metrics: metrics, onDL: onDeadLetter, next: make(map[string]*uint64)}
}

// Connect implements Adapter.
func (a *NATSLogAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nc != nil && !a.nc.IsClosed() {
		return nil
	}

	nc, err := nats.Connect(a.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats jetstream: %w", err)
	}

	a.nc = nc
	a.js = js
	return nil
}

// Close implements Adapter.
func (a *NATSLogAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nc != nil {
		a.nc.Close()
	}
	a.nc = nil
	a.js = nil
	return nil
}

func (a *NATSLogAdapter) connected() (nats.JetStreamContext, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.js == nil {
		return nil, ErrClosed
	}
	return a.js, nil
}

func (a *NATSLogAdapter) partitionSubject(queue string, partition int) string {
	return fmt.Sprintf("%s.%d", queue, partition)
}

func (a *NATSLogAdapter) ensureStream(js nats.JetStreamContext, queue string) error {
	subjects := make([]string, a.cfg.Partitions)
	for i := range subjects {
		subjects[i] = a.partitionSubject(queue, i)
	}
	_, err := js.StreamInfo(queue)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     queue,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	return err
}

// Enqueue implements Adapter, round-robining across partitions.
func (a *NATSLogAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	js, err := a.connected()
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

	if err := a.ensureStream(js, queue); err != nil {
		a.releaseOnFailure(ctx, opts)
		return fmt.Errorf("%w: ensure stream: %w", ErrPublishFailed, err)
	}

	partition := a.nextPartition(queue)
	subject := a.partitionSubject(queue, partition)

	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range opts.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderAttempts, "0")

	if opts.DelayMs > 0 {
		// JetStream has no native per-message publish delay; approximate
		// with a short sleep before publish rather than dropping the
		// requirement silently.
		time.Sleep(time.Duration(opts.DelayMs) * time.Millisecond)
	}

	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		a.releaseOnFailure(ctx, opts)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if a.metrics != nil {
		a.metrics.Enqueue.WithLabelValues(queue, string(TransportLog), a.cfg.Tenant).Inc()
	}
	return nil
}

func (a *NATSLogAdapter) releaseOnFailure(ctx context.Context, opts EnqueueOptions) {
	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
		_ = a.dedup.Release(ctx, opts.IdempotencyKey)
	}
}

func (a *NATSLogAdapter) nextPartition(queue string) int {
	a.mu.Lock()
	cursor, ok := a.next[queue]
	if !ok {
		var c uint64
		cursor = &c
		a.next[queue] = cursor
	}
	a.mu.Unlock()
	n := atomic.AddUint64(cursor, 1)
	return int(n % uint64(a.cfg.Partitions))
}

// Consume implements Adapter, running one durable pull consumer per
// partition concurrently and feeding all deliveries through handler.
func (a *NATSLogAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	js, err := a.connected()
	if err != nil {
		return err
	}
	if err := a.ensureStream(js, queue); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, a.cfg.Partitions)

	for p := 0; p < a.cfg.Partitions; p++ {
		subject := a.partitionSubject(queue, p)
		durable := fmt.Sprintf("%s-part%d", sanitizeDurable(queue), p)

		sub, err := js.PullSubscribe(subject, durable, nats.ManualAck(), nats.AckExplicit())
		if err != nil {
			return fmt.Errorf("nats pull subscribe %s: %w", subject, err)
		}

		wg.Add(1)
		go func(sub *nats.Subscription, partition int) {
			defer wg.Done()
			a.runPartition(ctx, sub, queue, partition, handler, errs)
		}(sub, p)
	}

	wg.Wait()
	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

func sanitizeDurable(queue string) string {
	out := make([]rune, 0, len(queue))
	for _, r := range queue {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (a *NATSLogAdapter) runPartition(ctx context.Context, sub *nats.Subscription, queue string, partition int, handler Handler, errs chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(a.cfg.FetchTimeout))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			select {
			case errs <- fmt.Errorf("nats fetch partition %d: %w", partition, err):
			default:
			}
			return
		}
		for _, msg := range msgs {
			a.handleMessage(ctx, queue, partition, msg, handler)
		}
	}
}

func (a *NATSLogAdapter) handleMessage(ctx context.Context, queue string, partition int, msg *nats.Msg, handler Handler) {
	attempts := 0
	if s := msg.Header.Get(HeaderAttempts); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			attempts = n
		}
	}
	// A Nak'd redelivery carries the original headers unchanged, so the
	// attempt count comes from JetStream's own delivery counter.
	if md, err := msg.Metadata(); err == nil && md.NumDelivered > 0 {
		attempts = int(md.NumDelivered) - 1
	}

	headers := Headers{}
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}

	d := &natsDelivery{adapter: a, queue: queue, partition: partition, msg: msg, attempts: attempts, headers: headers}
	if err := handler(ctx, d); err != nil && !d.terminalCalled() {
		if attempts+1 >= a.cfg.MaxAttempts {
			_ = d.DeadLetter(ctx, err.Error())
		} else {
			_ = d.Retry(ctx, 0)
		}
	}
}

// GetQueueDepth implements Adapter: sum of per-partition pending messages,
// clamped to zero, per spec's "Consumer-ahead-of-watermark ... clamped to
// zero, never negative" and "No committed offset (-1) means lag 0".
func (a *NATSLogAdapter) GetQueueDepth(_ context.Context, queue string) int {
	js, err := a.connected()
	if err != nil {
		if a.metrics != nil {
			a.metrics.ResetQueue(queue, string(TransportLog), a.cfg.Tenant)
		}
		return 0
	}

	total := 0
	for p := 0; p < a.cfg.Partitions; p++ {
		durable := fmt.Sprintf("%s-part%d", sanitizeDurable(queue), p)
		info, err := js.ConsumerInfo(queue, durable)
		lag := 0
		if err == nil {
			lag = int(info.NumPending)
			if lag < 0 {
				lag = 0
			}
		}
		total += lag
		if a.metrics != nil {
			a.metrics.PartitionLag.WithLabelValues(queue, strconv.Itoa(p), string(TransportLog), a.cfg.Tenant).Set(float64(lag))
		}
	}

	if a.metrics != nil {
		a.metrics.Depth.WithLabelValues(queue, string(TransportLog), a.cfg.Tenant).Set(float64(total))
		a.metrics.Lag.WithLabelValues(queue, string(TransportLog), a.cfg.Tenant).Set(float64(total))
	}
	return total
}

// natsDelivery implements Delivery for NATSLogAdapter.
type natsDelivery struct {
	adapter   *NATSLogAdapter
	queue     string
	partition int
	msg       *nats.Msg
	attempts  int
	headers   Headers
	terminal  int32
}

func (d *natsDelivery) terminalCalled() bool { return atomic.LoadInt32(&d.terminal) == 1 }
func (d *natsDelivery) claimTerminal() bool  { return atomic.CompareAndSwapInt32(&d.terminal, 0, 1) }

func (d *natsDelivery) Payload() []byte  { return d.msg.Data }
func (d *natsDelivery) Attempts() int    { return d.attempts + 1 }
func (d *natsDelivery) Headers() Headers { return d.headers }

func (d *natsDelivery) Ack() error {
	if !d.claimTerminal() {
		return nil
	}
	if d.adapter.metrics != nil {
		d.adapter.metrics.Ack.WithLabelValues(d.queue, string(TransportLog), d.adapter.cfg.Tenant).Inc()
	}
	return d.msg.Ack()
}

func (d *natsDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if !d.claimTerminal() {
		return nil
	}
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	if err := d.msg.Nak(); err != nil {
		return err
	}
	if d.adapter.metrics != nil {
		d.adapter.metrics.Retry.WithLabelValues(d.queue, string(TransportLog), d.adapter.cfg.Tenant).Inc()
	}
	return nil
}

func (d *natsDelivery) DeadLetter(_ context.Context, reason string) error {
	if !d.claimTerminal() {
		return nil
	}
	slog.Warn("nats: message dead-lettered", "queue", d.queue, "partition", d.partition, "reason", reason, "attempts", d.attempts+1)

	// Term tells JetStream to stop redelivering this message entirely.
	if err := d.msg.Term(); err != nil {
		return err
	}

	if d.adapter.metrics != nil {
		d.adapter.metrics.DeadLetter.WithLabelValues(d.queue, string(TransportLog), d.adapter.cfg.Tenant).Inc()
	}
	if d.adapter.onDL != nil {
		d.adapter.onDL(DeadLetter{Queue: d.queue, Reason: reason, Payload: d.msg.Data, Headers: d.headers, Attempts: d.attempts + 1})
	}
	return nil
}
