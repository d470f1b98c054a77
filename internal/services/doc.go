// Package services defines shared utilities consumed by the stage runner,
// the pipeline executor, and the front door.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, worker slots, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures
//     into the stable kinds recorded on a job (tool timeout, tool execution
//     error, storage error, delivery exhausted, validation error).
//   - Retry classification so the executor stays the single place that
//     decides between retrying a stage and failing the job.
package services
