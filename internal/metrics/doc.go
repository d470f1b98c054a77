// Package metrics exposes Prometheus series for submissions, stage runs,
// terminal outcomes and worker pool occupancy.
package metrics
