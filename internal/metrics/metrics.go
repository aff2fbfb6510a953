package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regcopilot"

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	routes          *prometheus.CounterVec
	agentOutcomes   *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	emptyRetrievals *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by kind (direct, single, multi-domain, no_route).",
		}, []string{"kind"}),
		agentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Specialist invocations by agent and outcome.",
		}, []string{"agent", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool gateway call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		emptyRetrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_retrievals_total",
			Help:      "Retrievals that kept no chunk above the similarity floor.",
		}, []string{"partition"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end query latency by routing kind.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.routes, m.agentOutcomes, m.toolCalls, m.toolLatency, m.emptyRetrievals, m.requestLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RoutingDecision(kind string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(kind).Inc()
}

func (m *Metrics) AgentOutcome(agent, outcome string) {
	if m == nil {
		return
	}
	m.agentOutcomes.WithLabelValues(agent, outcome).Inc()
}

func (m *Metrics) ToolCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(operation, outcome).Inc()
	m.toolLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) EmptyRetrieval(partition string) {
	if m == nil {
		return
	}
	m.emptyRetrievals.WithLabelValues(partition).Inc()
}

func (m *Metrics) RequestDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(kind).Observe(d.Seconds())
}
