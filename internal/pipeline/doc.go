// Package pipeline sequences stage runs for one job.
//
// Execute loads the job record, claims it with a compare-and-swap from
// PENDING to RUNNING, and runs each remaining stage through a stage.Runner.
// Between stages it persists the cursor, artifact refs and warnings, and
// observes cancellation requests. Failed stages are retried with a fixed
// backoff up to the configured bound, after which the job fails with a
// structured cause. The returned Decision tells the worker pool whether to
// acknowledge or release the delivery.
package pipeline
