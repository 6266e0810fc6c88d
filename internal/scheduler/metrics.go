package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MeKo-Tech/mvtimagery/internal/metrics"
)

// Task outcomes as reported by the tasks_total counter.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomePanic    = "panic"
	OutcomeTornDown = "torn_down"
)

// Metrics holds the scheduler collectors, labelled by layer key.
type Metrics struct {
	queueDepth *prometheus.GaugeVec
	active     *prometheus.GaugeVec
	tasks      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the scheduler collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Render tasks waiting for a worker.",
		}, []string{"layer_key"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "scheduler",
			Name:      "active_workers",
			Help:      "Workers currently executing a render task.",
		}, []string{"layer_key"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Render tasks by outcome (ok, error, panic, torn_down).",
		}, []string{"layer_key", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing one render task.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"layer_key"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.active, m.tasks, m.duration)
	}
	return m
}

func (m *Metrics) setDepth(key string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(key).Set(float64(n))
}

func (m *Metrics) setActive(key string, n int) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(key).Set(float64(n))
}

func (m *Metrics) observe(key, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(key, outcome).Inc()
	if outcome != OutcomeTornDown {
		m.duration.WithLabelValues(key).Observe(seconds)
	}
}

// abandon records n torn down tasks and drops the key's gauges.
func (m *Metrics) abandon(key string, n int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.tasks.WithLabelValues(key, OutcomeTornDown).Add(float64(n))
	}
	m.queueDepth.DeleteLabelValues(key)
	m.active.DeleteLabelValues(key)
}
