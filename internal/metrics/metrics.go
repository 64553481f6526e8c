// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "architect"

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the architect collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TasksTotal           *prometheus.CounterVec
	TaskRetriesTotal     prometheus.Counter
	GateEvaluationsTotal *prometheus.CounterVec
	PatchesTotal         *prometheus.CounterVec
	StateConflictsTotal  *prometheus.CounterVec
	StateWriteDuration   *prometheus.HistogramVec
	LeaseHeartbeatsTotal *prometheus.CounterVec
	CheckpointsTotal     *prometheus.CounterVec
}

// Default returns the process-wide collectors registered on the default registry.
//
// Registration happens once; repeated calls return the same instance.
//
// Metrics:
//   - architect_tasks_total{status}
//   - architect_task_retries_total
//   - architect_gate_evaluations_total{gate,result}
//   - architect_patches_total{status}
//   - architect_state_conflicts_total{namespace}
//   - architect_state_write_duration_seconds{backend}
//   - architect_lease_heartbeats_total{result}
//   - architect_checkpoints_total{reason}
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// New registers a fresh set of collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a status, labeled by status (done, blocked, failed).",
		}, []string{"status"}),
		TaskRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task attempts that failed and were requeued with backoff.",
		}),
		GateEvaluationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Gate evaluations labeled by gate name and result (pass, fail).",
		}, []string{"gate", "result"}),
		PatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_total",
			Help:      "Patch lifecycle transitions labeled by resulting status.",
		}, []string{"status"}),
		StateConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "conflicts_total",
			Help:      "Compare-and-swap conflicts observed per namespace, including retried ones.",
		}, []string{"namespace"}),
		StateWriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "write_duration_seconds",
			Help:      "Latency of successful state writes per backend.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"backend"}),
		LeaseHeartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "heartbeats_total",
			Help:      "Lease heartbeats labeled by result (ok, lost, error).",
		}, []string{"result"}),
		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints created, labeled by sanitized reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) TaskStatus(status string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TaskRetriesTotal.Inc()
}

func (m *Metrics) GateEvaluated(gate string, passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.GateEvaluationsTotal.WithLabelValues(gate, result).Inc()
}

func (m *Metrics) PatchTransition(status string) {
	if m == nil {
		return
	}
	m.PatchesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) StateConflict(ns string) {
	if m == nil {
		return
	}
	m.StateConflictsTotal.WithLabelValues(ns).Inc()
}

func (m *Metrics) StateWrite(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.StateWriteDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.LeaseHeartbeatsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Checkpoint(reason string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(reason).Inc()
}
