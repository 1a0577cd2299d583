package queueadapter

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by every Adapter
// implementation.
type Metrics struct {
	Enqueue      *prometheus.CounterVec
	Ack          *prometheus.CounterVec
	Retry        *prometheus.CounterVec
	DeadLetter   *prometheus.CounterVec
	Depth        *prometheus.GaugeVec
	Lag          *prometheus.GaugeVec
	PartitionLag *prometheus.GaugeVec
}

// NewMetrics registers the queue adapter collectors against reg. Passing
// nil uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Enqueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "enqueue_total",
			Help:      "Messages successfully enqueued.",
		}, []string{"queue", "transport", "tenant"}),
		Ack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "ack_total",
			Help:      "Deliveries acknowledged.",
		}, []string{"queue", "transport", "tenant"}),
		Retry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "retry_total",
			Help:      "Deliveries retried.",
		}, []string{"queue", "transport", "tenant"}),
		DeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "dead_letter_total",
			Help:      "Deliveries dead-lettered.",
		}, []string{"queue", "transport", "tenant"}),
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current queue depth.",
		}, []string{"queue", "transport", "tenant"}),
		Lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "lag",
			Help:      "Consumer lag (equals depth for the AMQP variant).",
		}, []string{"queue", "transport", "tenant"}),
		PartitionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "planorch",
			Subsystem: "queue",
			Name:      "partition_lag",
			Help:      "Per-partition consumer lag (log-based variant only).",
		}, []string{"queue", "partition", "transport", "tenant"}),
	}

	for _, c := range []prometheus.Collector{m.Enqueue, m.Ack, m.Retry, m.DeadLetter, m.Depth, m.Lag, m.PartitionLag} {
		if err := reg.Register(c); err != nil {
			// Shared across adapters constructed against the same registry.
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
		}
	}

	return m
}

// ResetQueue zeroes the depth/lag gauges for queue; called whenever an
// adapter can't report a real depth/lag value for it.
func (m *Metrics) ResetQueue(queue, transport, tenant string) {
	if m == nil {
		return
	}
	m.Depth.WithLabelValues(queue, transport, tenant).Set(0)
	m.Lag.WithLabelValues(queue, transport, tenant).Set(0)
}
