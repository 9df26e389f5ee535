package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveUpdate("loaded")
	m.ObserveCompile("goja", 15*time.Millisecond)
	m.SetModulesLive(3)
	m.ObserveRemoval()
	m.ObserveRelinkFailure()
	m.ObservePoll("repo-a", "ok", 5*time.Millisecond, 1, 2, 0)
	m.ObserveRepositoryOp("repo-a", "fetch", "ok", time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hotload_module_updates_total"])
	assert.True(t, names["hotload_modules_live"])
	assert.True(t, names["hotload_poll_cycles_total"])
	assert.True(t, names["hotload_repository_operations_total"])
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveUpdate("loaded")
		m.ObserveCompile("goja", time.Second)
		m.SetModulesLive(1)
		m.ObserveRemoval()
		m.ObserveRelinkFailure()
		m.ObservePoll("r", "ok", time.Second, 0, 0, 0)
		m.ObserveRepositoryOp("r", "op", "ok", time.Second)
	})
}
