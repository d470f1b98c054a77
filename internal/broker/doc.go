// Package broker carries job ids from the front door to worker slots with
// at-least-once delivery.
//
// The SQLite and Redis backends lease each delivery for a visibility window
// that workers extend while a job runs; an expired lease is reclaimed and the
// job redelivered with a higher attempt. The AMQP backend relies on
// RabbitMQ's connection-scoped acknowledgements instead. The redelivery budget
// itself is enforced by the worker pool, which dead-letters deliveries that
// exceed it.
package broker
