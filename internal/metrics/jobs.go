package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meshqueue/internal/jobs"
)

func (m *Metrics) registerJobs(f promauto.Factory) {
	m.submissions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Job submissions at the front door, labeled by result.",
		},
		[]string{"result"}, // accepted, rejected, error
	)
	m.jobsFinished = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, labeled by state.",
		},
		[]string{"state"},
	)
}

// Submitted counts one submission attempt.
func (m *Metrics) Submitted(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// JobFinished counts a terminal transition.
func (m *Metrics) JobFinished(state jobs.State) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(state)).Inc()
}
