// Package workflow hosts the worker pool.
//
// A Manager owns a fixed number of slots. Its dispatcher takes a free slot
// before asking the broker for a delivery, hands the delivery to a goroutine
// that runs the pipeline executor while a heartbeat keeps the broker lease
// and job record fresh, then acks, nacks or dead-letters according to the
// executor's decision and the delivery budget. Stop cancels the dispatcher
// and waits for running slots; interrupted jobs are nacked.
package workflow
