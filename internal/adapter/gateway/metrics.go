package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdispatch/internal/domain"
)

// Metrics holds the Prometheus collectors served on /metrics. Counters are
// fed from the event bus, so every component that publishes events is
// covered without importing this package.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksFinished  *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ToolCacheHits  prometheus.Counter
	ToolRateLimits *prometheus.CounterVec
	AgentRouted    *prometheus.CounterVec
	AgentErrors    *prometheus.CounterVec
	AgentFallbacks prometheus.Counter
	RoutingLatency prometheus.Histogram
}

// NewMetrics creates collectors on a private registry, plus gauges for
// uptime and in-flight agent requests.
func NewMetrics(uptime func() time.Duration, active func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_tasks_submitted_total",
			Help: "Tasks accepted for execution.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status", "reason"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_calls_total",
			Help: "Tool invocations that ran or were served from cache.",
		}, []string{"tool", "success"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"tool"}),
		ToolCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_tool_cache_hits_total",
			Help: "Tool calls answered from the result cache.",
		}),
		ToolRateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_rate_limited_total",
			Help: "Tool calls rejected by the per-caller rate limiter.",
		}, []string{"tool"}),
		AgentRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_agent_routed_total",
			Help: "Completed agent dispatches.",
		}, []string{"agent", "strategy"}),
		AgentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_agent_errors_total",
			Help: "Agent dispatches that failed.",
		}, []string{"agent"}),
		AgentFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_agent_fallback_total",
			Help: "Capability routes that fell back to the default agent.",
		}),
		RoutingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentd_routing_latency_seconds",
			Help:    "Time from dispatch to the agent's final answer.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 8),
		}),
	}

	m.registry.MustRegister(
		m.TasksSubmitted, m.TasksFinished,
		m.ToolCalls, m.ToolDuration, m.ToolCacheHits, m.ToolRateLimits,
		m.AgentRouted, m.AgentErrors, m.AgentFallbacks, m.RoutingLatency,
		collectors.NewGoCollector(),
	)
	if uptime != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentd_uptime_seconds",
			Help: "Seconds since the gateway started.",
		}, func() float64 { return uptime().Seconds() }))
	}
	if active != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentd_agent_active_requests",
			Help: "Agent dispatches currently in flight.",
		}, active))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Attach subscribes the collectors to bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(m.observe)
}

func (m *Metrics) observe(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventTaskSubmitted:
		m.TasksSubmitted.Inc()
	case domain.EventTaskFinished:
		var te domain.TaskEvent
		if json.Unmarshal(ev.Payload, &te) == nil {
			m.TasksFinished.WithLabelValues(string(te.Status), te.Reason).Inc()
		}
	case domain.EventToolCallCompleted:
		var p domain.ToolCallEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			m.ToolCalls.WithLabelValues(p.Tool, strconv.FormatBool(p.Success)).Inc()
			m.ToolDuration.WithLabelValues(p.Tool).Observe(float64(p.DurationMs) / 1000)
		}
	case domain.EventToolCacheHit:
		m.ToolCacheHits.Inc()
	case domain.EventToolRateLimited:
		var p domain.ToolCallEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			m.ToolRateLimits.WithLabelValues(p.Tool).Inc()
		}
	case domain.EventAgentRouted:
		var p domain.RoutedEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			m.AgentRouted.WithLabelValues(p.AgentID, string(p.Strategy)).Inc()
			m.RoutingLatency.Observe(p.LatencyMs / 1000)
		}
	case domain.EventAgentError:
		var p domain.RoutedEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			m.AgentErrors.WithLabelValues(p.AgentID).Inc()
		}
	case domain.EventAgentFallback:
		m.AgentFallbacks.Inc()
	}
}
