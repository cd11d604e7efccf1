package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the orchestrator collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	toolAttempts *prometheus.CounterVec
	toolLatency  *prometheus.HistogramVec
	turns        *prometheus.CounterVec
	plannerCalls *prometheus.CounterVec
	iterations   prometheus.Histogram
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		toolAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_attempts_total",
			Help:      "Tool adapter attempts by outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_seconds",
			Help:      "End-to-end tool call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by terminal phase and reason.",
		}, []string{"phase", "reason"}),
		plannerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planner_calls_total",
			Help:      "Reasoning calls by outcome.",
		}, []string{"outcome"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Planner iterations per turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	reg.MustRegister(m.toolAttempts, m.toolLatency, m.turns, m.plannerCalls, m.iterations)
	return m
}

func (m *Metrics) ToolAttempt(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolAttempts.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ToolCall(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Turn(phase, reason string, iterations int) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(phase, reason).Inc()
	m.iterations.Observe(float64(iterations))
}

func (m *Metrics) PlannerCall(outcome string) {
	if m == nil {
		return
	}
	m.plannerCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
