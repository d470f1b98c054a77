package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meshqueue/internal/stage"
)

func (m *Metrics) registerStages(f promauto.Factory) {
	m.stageRuns = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage attempts, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	// 1s .. ~2.3h
	m.stageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage attempts.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"stage"},
	)
}

// StageFinished records one stage attempt.
func (m *Metrics) StageFinished(name string, outcome stage.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(name, string(outcome)).Inc()
	m.stageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
