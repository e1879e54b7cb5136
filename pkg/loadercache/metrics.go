package loadercache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	staleServes prometheus.Counter
	flightJoins prometheus.Counter
	rejected    prometheus.Counter
	evictions   prometheus.Counter
	entries     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	factory := promauto.With(reg)
	const subsystem = "loader_cache"

	return &metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hits_total",
			Help:      "Cache reads that found a fresh entry",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "misses_total",
			Help:      "Cache reads that found no entry",
		}),
		staleServes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_serves_total",
			Help:      "Cache reads that served a stale entry",
		}),
		flightJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flight_joins_total",
			Help:      "Fetches that attached to an in-flight loader call",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_writes_total",
			Help:      "Writes discarded because a newer sequence was committed",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evictions_total",
			Help:      "Entries removed by the gc sweep",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Number of cached entries",
		}),
	}
}

func (m *metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *metrics) stale() {
	if m != nil {
		m.staleServes.Inc()
	}
}

func (m *metrics) join() {
	if m != nil {
		m.flightJoins.Inc()
	}
}

func (m *metrics) reject() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *metrics) evicted(n int) {
	if m != nil {
		m.evictions.Add(float64(n))
	}
}

func (m *metrics) size(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
