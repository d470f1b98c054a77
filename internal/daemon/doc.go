// Package daemon runs the long-lived meshqueued process.
//
// It holds a flock on the state directory so only one daemon owns a local
// SQLite database, starts the worker pool when workers.concurrency is
// positive, and serves the HTTP front door: job submission, status,
// artifact download, cancellation, daemon status and Prometheus metrics.
//
// Keep orchestration here. Job semantics live in api, pipeline and workflow.
package daemon
