package tilecache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MeKo-Tech/mvtimagery/internal/metrics"
)

// Metrics holds the collectors shared by every cache in the process. Each
// cache reports under its own name label.
type Metrics struct {
	requests *prometheus.CounterVec
	decodes  *prometheus.CounterVec
	failures *prometheus.CounterVec
	entries  *prometheus.GaugeVec
}

// NewMetrics creates and registers the cache collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "tilecache",
			Name:      "requests_total",
			Help:      "Tile cache lookups by result (hit, miss).",
		}, []string{"cache", "result"}),
		decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "tilecache",
			Name:      "decodes_total",
			Help:      "Tile payloads decoded.",
		}, []string{"cache"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "tilecache",
			Name:      "failures_total",
			Help:      "Fetch or decode failures by stage.",
		}, []string{"cache", "stage"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "tilecache",
			Name:      "entries",
			Help:      "Decoded tiles currently cached.",
		}, []string{"cache"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.decodes, m.failures, m.entries)
	}
	return m
}
