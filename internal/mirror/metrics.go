package mirror

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	runs       *prometheus.CounterVec
	enriched   prometheus.Counter
	deferred   prometheus.Counter
	backfilled prometheus.Counter
	partial    prometheus.Counter
}

// NewMetrics registers the sync collectors on reg. A nil reg leaves them
// unregistered, which tests use to read values directly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaytrail",
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaytrail",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		enriched:   counter("items_enriched_total", "Items enriched during a sync run."),
		deferred:   counter("items_deferred_total", "Items older than the horizon queued for backfill."),
		backfilled: counter("backfill_processed_total", "Queued items enriched by backfill."),
		partial:    counter("items_partial_total", "Items stored with some enrichment missing."),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.enriched, m.deferred, m.backfilled, m.partial)
	}
	return m
}

func (m *Metrics) observeRun(outcome Outcome) {
	if m != nil {
		m.runs.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) addEnriched(n int) {
	if m != nil && n > 0 {
		m.enriched.Add(float64(n))
	}
}

func (m *Metrics) addDeferred(n int) {
	if m != nil && n > 0 {
		m.deferred.Add(float64(n))
	}
}

func (m *Metrics) addBackfilled(n int) {
	if m != nil && n > 0 {
		m.backfilled.Add(float64(n))
	}
}

func (m *Metrics) incPartial() {
	if m != nil {
		m.partial.Inc()
	}
}
