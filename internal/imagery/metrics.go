package imagery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MeKo-Tech/mvtimagery/internal/metrics"
)

// Admission gates as reported by the rejections counter.
const (
	GateQueue    = "queue"
	GateInFlight = "in_flight"
)

// Metrics holds the provider collectors, labelled by layer key.
type Metrics struct {
	inFlight   *prometheus.GaugeVec
	rejections *prometheus.CounterVec
	picks      *prometheus.CounterVec
}

// NewMetrics creates and registers the provider collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "imagery",
			Name:      "in_flight",
			Help:      "Image requests accepted but not yet settled.",
		}, []string{"layer_key"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "imagery",
			Name:      "rejections_total",
			Help:      "Image requests turned away by admission gate (queue, in_flight).",
		}, []string{"layer_key", "gate"}),
		picks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "imagery",
			Name:      "pick_hits_total",
			Help:      "Features returned by pick queries.",
		}, []string{"layer_key"}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.rejections, m.picks)
	}
	return m
}

func (m *Metrics) setInFlight(key string, n int32) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(key).Set(float64(n))
}

func (m *Metrics) reject(key, gate string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(key, gate).Inc()
}

func (m *Metrics) picked(key string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.picks.WithLabelValues(key).Add(float64(n))
}
