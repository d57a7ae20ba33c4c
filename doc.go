// Package tasq provides a distributed, pluggable background task queue.
//
// # Overview
//
// tasq models a durable, at-least-once task queue with explicit state
// transitions. It separates the wire format (envelope.Envelope) from the
// storage/transport-specific delivery mechanics (the Driver interface)
// and defines the runtime that ties them together: a Dispatcher on the
// producer side, and a Worker on the consumer side.
//
// The package does not mandate any particular backend. Driver
// implementations exist for PostgreSQL/MySQL/SQLite (package
// driver/sqldriver), Redis (driver/redisdriver), AWS SQS
// (driver/sqsdriver), and RabbitMQ (driver/amqpdriver); all four honor
// the same Driver contract and the same envelope wire format, so a task
// dispatched against one backend is executable by a worker on any other.
//
// # Delivery Semantics
//
// tasq provides at-least-once processing guarantees. A task may be
// delivered more than once if:
//
//   - a worker crashes before acknowledging it
//   - the visibility timeout expires
//   - the lease is lost due to concurrent processing
//
// Handlers registered with a Registry must therefore be idempotent.
//
// # Visibility Timeout (Lease Model)
//
// When a task is fetched, a Driver assigns it a visibility timeout: the
// task is invisible to other workers until the lease expires or the
// worker acknowledges, nacks, or dead-letters it. A Worker extends the
// lease on long-running tasks (for drivers where that is meaningful; see
// Driver.SupportsLeaseRenewal) while a handler is executing.
//
// # Retry Policy
//
// Retry behavior is controlled by BackoffConfig (WorkerConfig.Backoff).
// When a handler returns an error, the registered task's ShouldRetry
// hook (if any) decides whether the error is retryable, and the attempt
// count is checked against MaxAttempts; if a retry is allowed, the task
// is rescheduled with a computed backoff delay, otherwise it is
// dead-lettered.
//
// # Worker
//
// Worker coordinates fetching, dispatching, retrying, and completing
// tasks across one or more priority-ordered queues. It:
//
//   - periodically fetches eligible tasks from the driver
//   - dispatches them to a bounded in-flight pool
//   - extends task leases while handlers execute, where supported
//   - applies retry/backoff logic on failure
//   - supports graceful shutdown with a timeout
//
// Worker does not guarantee exactly-once delivery, strict FIFO across
// priority classes, or cron-style recurrence.
//
// # Concurrency Model
//
// Worker uses a bounded internal queue and a fixed-size in-flight pool.
// Fetching and processing are decoupled to smooth load.
//
// On shutdown, fetching stops and the context of in-flight handlers is
// cancelled; Worker.Stop then waits up to its timeout for them to
// return. Handlers are not left to run to completion.
package tasq
