package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is a snapshot of scheduler occupancy, polled at scrape time.
type Stats struct {
	ExecutorsTotal int
	ExecutorsBusy  int
	Queued         int
}

// Metrics bundles the server's Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	buildsCompleted *prometheus.CounterVec
}

// New registers the collectors. statsFn is polled on every scrape.
func New(statsFn func() Stats) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		buildsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laminar_builds_completed_total",
			Help: "Completed builds by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.buildsCompleted)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "laminar_executors_total",
		Help: "Total executor slots across all nodes.",
	}, func() float64 { return float64(statsFn().ExecutorsTotal) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "laminar_executors_busy",
		Help: "Executor slots currently running a build.",
	}, func() float64 { return float64(statsFn().ExecutorsBusy) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "laminar_queue_depth",
		Help: "Runs waiting for admission.",
	}, func() float64 { return float64(statsFn().Queued) }))

	return m
}

// BuildCompleted records one terminal transition.
func (m *Metrics) BuildCompleted(result string) {
	m.buildsCompleted.WithLabelValues(result).Inc()
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
