package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Metrics) registerPool(f promauto.Factory) {
	m.busySlots = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_slots_busy",
		Help:      "Worker slots currently executing a job.",
	})
	m.poolSlots = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_slots",
		Help:      "Configured worker pool size.",
	})
	m.deadLettered = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dead_lettered_total",
			Help:      "Deliveries routed to the dead-letter path, labeled by reason.",
		},
		[]string{"reason"},
	)
	m.settleErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_settle_errors_total",
			Help:      "Failed ack, nack or dead-letter calls, labeled by action.",
		},
		[]string{"action"},
	)
}

// SetPoolSize records the configured concurrency.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSlots.Set(float64(n))
}

// SlotBusy tracks slot occupancy; pass +1 on acquire and -1 on release.
func (m *Metrics) SlotBusy(delta int) {
	if m == nil {
		return
	}
	m.busySlots.Add(float64(delta))
}

// DeadLettered counts a dead-lettered delivery.
func (m *Metrics) DeadLettered(reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(reason).Inc()
}

// SettleFailed counts a broker settle call that returned an error.
func (m *Metrics) SettleFailed(action string) {
	if m == nil {
		return
	}
	m.settleErrors.WithLabelValues(action).Inc()
}
