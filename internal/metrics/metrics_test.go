package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PhaseRuns.WithLabelValues("review", "success").Inc()
	m.AgentRefs.WithLabelValues("developer").Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseRuns.WithLabelValues("review", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentRefs.WithLabelValues("developer")))

	n, err := testutil.GatherAndCount(reg, "agentgate_phase_runs_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDefault_IsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
