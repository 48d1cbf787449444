package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Decisions.WithLabelValues("Hybrid", "enter_focus_mode").Inc()
	m.Decisions.WithLabelValues("Micro", "none").Inc()
	m.Degraded.WithLabelValues("memory_unavailable").Add(2)
	m.Epsilon.Set(0.2)

	assert.Equal(t, 2.0, gathered(t, reg, "emate_decisions_total"))
	assert.Equal(t, 2.0, gathered(t, reg, "emate_degraded_cycles_total"))
	assert.InDelta(t, 0.2, gathered(t, reg, "emate_micro_epsilon"), 1e-9)
}

func TestNew_TwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNew_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
