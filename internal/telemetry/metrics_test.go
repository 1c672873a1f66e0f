package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rogers-F/bugloop/internal/domain"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)
	assert.Same(t, reg, m.Registry())

	m.SetPool(6, 1, 4)
	m.CycleDone()
	m.Transition(domain.PhaseWait, domain.PhaseRepro)
	m.AgentCall(domain.RoleObserver, "ok", 20*time.Millisecond)
	m.Retired(domain.PhaseDone)
	m.Violation("contract")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 9)
}

func TestMetrics_Values(t *testing.T) {
	m := NewMetrics(nil)

	m.SetPool(3, 2, 7)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FreeAgents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveBugs))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BacklogSize))

	m.Transition(domain.PhaseVerify, domain.PhasePatch)
	m.Transition(domain.PhaseVerify, domain.PhasePatch)
	m.Transition(domain.PhaseVerify, domain.PhaseCanary)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("VERIFY", "PATCH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("VERIFY", "CANARY")))

	m.AgentCall(domain.RoleVerifier, "invalid", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentCalls.WithLabelValues("verifier", "invalid")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AgentLatency))

	m.Retired(domain.PhaseEscalate)
	m.Retired(domain.PhaseEscalate)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retirements.WithLabelValues("ESCALATE")))

	m.CycleDone()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPool(1, 2, 3)
		m.CycleDone()
		m.Transition(domain.PhaseWait, domain.PhaseRepro)
		m.AgentCall(domain.RoleAnalyst, "ok", time.Millisecond)
		m.Retired(domain.PhaseDone)
		m.Violation("capacity")
	})
	assert.Nil(t, m.Registry())
}
