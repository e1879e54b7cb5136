package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	navigations *prometheus.CounterVec
	preloads    *prometheus.CounterVec
	redirects   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		navigations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "navigations_total",
			Help:      "Navigations by result",
		}, []string{"result"}),
		preloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "preloads_total",
			Help:      "Preload requests by result",
		}, []string{"result"}),
		redirects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "redirects_total",
			Help:      "Redirects followed",
		}),
	}
}

func (m *metrics) navigation(result string) {
	if m != nil {
		m.navigations.WithLabelValues(result).Inc()
	}
}

func (m *metrics) preload(result string) {
	if m != nil {
		m.preloads.WithLabelValues(result).Inc()
	}
}

func (m *metrics) redirect() {
	if m != nil {
		m.redirects.Inc()
	}
}
