package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation surface for the scheduler,
// adapted from the teacher's PrometheusMetrics to this runtime's
// vocabulary: concurrent node count, readiness-queue depth, per-node
// latency, retries, and estimated token cost.
type Metrics struct {
	inflightNodes   prometheus.Gauge
	readyQueueDepth prometheus.Gauge
	nodeLatencyMS   *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	backpressure    prometheus.Counter
	eventsDropped   prometheus.Counter
	tokenCostUSD    prometheus.Gauge
}

// NewMetrics registers the runtime's metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across multiple Engine instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "diagexec",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently RUNNING across all tracked executions.",
		}),
		readyQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "diagexec",
			Name:      "ready_queue_depth",
			Help:      "Number of nodes currently READY but not yet dispatched.",
		}),
		nodeLatencyMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "diagexec",
			Name:      "node_latency_ms",
			Help:      "Handler execution latency in milliseconds, by node type.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"node_type"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diagexec",
			Name:      "retries_total",
			Help:      "Total retry attempts, by reason.",
		}, []string{"reason"}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "diagexec",
			Name:      "backpressure_events_total",
			Help:      "Total number of times dispatch was delayed by the concurrency semaphore.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "diagexec",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by a subscriber's overflow policy.",
		}),
		tokenCostUSD: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "diagexec",
			Name:      "token_cost_usd",
			Help:      "Running estimated token cost in US dollars across all PersonJob invocations.",
		}),
	}
}

func (m *Metrics) ObserveNodeLatency(nodeType NodeType, ms float64) {
	if m == nil {
		return
	}
	m.nodeLatencyMS.WithLabelValues(string(nodeType)).Observe(ms)
}

func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) SetReadyQueueDepth(n int) {
	if m == nil {
		return
	}
	m.readyQueueDepth.Set(float64(n))
}

func (m *Metrics) IncBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetTokenCostUSD(usd float64) {
	if m == nil {
		return
	}
	m.tokenCostUSD.Set(usd)
}
