package snapshot

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	captures *prometheus.CounterVec
	resets   prometheus.Counter
}

// NewMetrics registers the snapshot collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaytrail",
			Subsystem: "snapshot",
			Name:      "captures_total",
			Help:      "Snapshot capture attempts by outcome.",
		}, []string{"status"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaytrail",
			Subsystem: "snapshot",
			Name:      "template_resets_total",
			Help:      "Series cleared because the editor returned to the starter template.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.captures, m.resets)
	}
	return m
}
