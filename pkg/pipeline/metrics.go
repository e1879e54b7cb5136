package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runDuration *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	loaderCalls *prometheus.CounterVec
	revalidate  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of load pipeline runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Load pipeline runs by outcome",
		}, []string{"trigger", "outcome"}),
		loaderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "loader_calls_total",
			Help:      "Loader invocations by route and result",
		}, []string{"route_id", "result"}),
		revalidate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "revalidations_total",
			Help:      "Background revalidations by result",
		}, []string{"result"}),
	}
}

func (m *metrics) observeRun(trigger Trigger, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(string(trigger)).Observe(seconds)
	m.runs.WithLabelValues(string(trigger), outcome).Inc()
}

func (m *metrics) loaderCall(routeID, result string) {
	if m != nil {
		m.loaderCalls.WithLabelValues(routeID, result).Inc()
	}
}

func (m *metrics) revalidated(result string) {
	if m != nil {
		m.revalidate.WithLabelValues(result).Inc()
	}
}
