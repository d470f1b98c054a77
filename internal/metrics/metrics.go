package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshqueue"

// Metrics holds every meshqueue collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	busySlots     prometheus.Gauge
	poolSlots     prometheus.Gauge
	deadLettered  *prometheus.CounterVec
	settleErrors  *prometheus.CounterVec
}

// New builds a private registry with process and Go runtime collectors plus
// the meshqueue series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{registry: reg}
	m.registerJobs(f)
	m.registerStages(f)
	m.registerPool(f)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
