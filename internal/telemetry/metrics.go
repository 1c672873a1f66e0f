// Package telemetry exposes Prometheus metrics for the scheduler.
//
// Metrics are registered on a caller-supplied registry so tests and
// multiple schedulers in one process do not collide. Every method is safe
// to call on a nil *Metrics, which turns instrumentation off.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Rogers-F/bugloop/internal/domain"
)

const namespace = "bugloop"

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	// FreeAgents is the number of unreserved agent slots in the pool.
	FreeAgents prometheus.Gauge

	// LiveBugs is the number of bugs holding an agent block.
	LiveBugs prometheus.Gauge

	// BacklogSize is the number of tickets awaiting promotion.
	BacklogSize prometheus.Gauge

	// Cycles counts completed scheduling cycles.
	Cycles prometheus.Counter

	// Transitions counts phase changes.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// AgentCalls counts reasoning-agent calls.
	// Labels: role, result (ok, invalid, error, stale)
	AgentCalls *prometheus.CounterVec

	// AgentLatency measures reasoning-agent call duration.
	// Labels: role
	AgentLatency *prometheus.HistogramVec

	// Retirements counts bugs leaving the live set.
	// Labels: outcome (DONE, ESCALATE)
	Retirements *prometheus.CounterVec

	// Violations counts contract and capacity violations.
	// Labels: kind
	Violations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors on reg. A nil reg gets a
// fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		FreeAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "free_agents",
			Help:      "Agent slots not reserved by any live bug",
		}),
		LiveBugs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "live_bugs",
			Help:      "Bugs currently holding an agent block",
		}),
		BacklogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "backlog_size",
			Help:      "Tickets waiting for promotion",
		}),
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Completed scheduling cycles",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Phase transitions by source and target phase",
		}, []string{"from", "to"}),
		AgentCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "agent_calls_total",
			Help:      "Reasoning agent calls by role and result",
		}, []string{"role", "result"}),
		AgentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "agent_call_duration_seconds",
			Help:      "Reasoning agent call latency",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"role"}),
		Retirements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "retirements_total",
			Help:      "Retired bugs by final phase",
		}, []string{"outcome"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "violations_total",
			Help:      "Violations by kind",
		}, []string{"kind"}),
		registry: reg,
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetPool records the pool and queue gauges.
func (m *Metrics) SetPool(free, live, backlog int) {
	if m == nil {
		return
	}
	m.FreeAgents.Set(float64(free))
	m.LiveBugs.Set(float64(live))
	m.BacklogSize.Set(float64(backlog))
}

// CycleDone increments the cycle counter.
func (m *Metrics) CycleDone() {
	if m == nil {
		return
	}
	m.Cycles.Inc()
}

// Transition records a phase change.
func (m *Metrics) Transition(from, to domain.Phase) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// AgentCall records one reasoning-agent call and its duration.
func (m *Metrics) AgentCall(role domain.Role, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AgentCalls.WithLabelValues(string(role), result).Inc()
	m.AgentLatency.WithLabelValues(string(role)).Observe(elapsed.Seconds())
}

// Retired records a bug leaving the live set.
func (m *Metrics) Retired(final domain.Phase) {
	if m == nil {
		return
	}
	m.Retirements.WithLabelValues(string(final)).Inc()
}

// Violation records a violation of the given kind.
func (m *Metrics) Violation(kind string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(kind).Inc()
}
