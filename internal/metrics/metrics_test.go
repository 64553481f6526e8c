package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskStatus("done")
	m.TaskStatus("done")
	m.TaskRetried()
	m.GateEvaluated("testing-gate", false)
	m.PatchTransition("accepted")
	m.StateConflict("tasks")
	m.StateWrite("memory", 3*time.Millisecond)
	m.Heartbeat("ok")
	m.Checkpoint("gate-failure")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateEvaluationsTotal.WithLabelValues("testing-gate", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateConflictsTotal.WithLabelValues("tasks")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "architect_state_write_duration_seconds")
	assert.Contains(t, names, "architect_lease_heartbeats_total")
	assert.Contains(t, names, "architect_checkpoints_total")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskStatus("failed")
		m.TaskRetried()
		m.GateEvaluated("review-gate", true)
		m.PatchTransition("rejected")
		m.StateConflict("session")
		m.StateWrite("redis", time.Second)
		m.Heartbeat("lost")
		m.Checkpoint("halt")
	})
}

func TestDefault_RegistersOnce(t *testing.T) {
	assert.Same(t, Default(), Default())
}
