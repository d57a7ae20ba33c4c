package tasq

import (
	"context"
	"time"
)

// Handle is an opaque delivery token returned by Driver.Fetch and
// redeemable by Ack, Nack, DeadLetter, and ExtendLease for exactly that
// delivery. Its Opaque field carries whatever a backend needs: a row id
// for the SQL driver, the exact bytes of a moved list
// entry for Redis, a receipt handle for SQS, a delivery tag for AMQP.
// Callers must treat Handle as a black box and must not share one handle
// across goroutines.
type Handle struct {
	Queue  string
	Opaque any
}

// Delivery is one item returned by Driver.Fetch: an opaque handle, the
// raw encoded envelope bytes, and the backend's own view of how many
// times this message has been delivered (which may differ from the
// envelope's own CurrentAttempt field — SQS's ApproximateReceiveCount,
// for instance, counts redeliveries the envelope itself never saw
// decoded).
type Delivery struct {
	Handle          Handle
	Envelope        []byte
	DeliveryAttempt int
}

// Driver is the uniform capability surface every backend implements:
// connect/close lifecycle, enqueue, fetch, and the four terminal/lease
// operations a worker performs on a delivered item.
//
// Fetch scans queues in the given priority order; higher-priority queues
// are polled before lower ones. Within a single queue, delivery order is
// best-effort FIFO by availability time; strict FIFO is not guaranteed.
// Fetch must respect waitDeadline, returning (possibly empty) before it
// elapses, so a Worker can shut down cooperatively.
type Driver interface {
	// Connect prepares the driver for use, returning an error that wraps
	// ErrConnectFail when the backend is unreachable. The bundled drivers
	// make a single attempt and do not retry.
	Connect(ctx context.Context) error

	// Close releases any resources held by the driver. Close is
	// best-effort: implementations should not fail loudly on backends
	// that are already unreachable.
	Close(ctx context.Context) error

	// Enqueue persists env under queue, eligible for delivery no sooner
	// than delay from now. A zero delay makes it immediately eligible.
	Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error

	// Fetch returns up to maxBatch deliverable items across queues, in
	// priority order, waiting up to waitDeadline for at least one to
	// become available.
	Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]Delivery, error)

	// Ack acknowledges successful completion of the delivery identified
	// by h. ErrLeaseLost is returned if h's lease had already expired.
	Ack(ctx context.Context, h Handle) error

	// Nack returns the task to its queue, eligible for redelivery after
	// requeueAfter (which may be zero for immediate redelivery).
	Nack(ctx context.Context, h Handle, requeueAfter time.Duration) error

	// DeadLetter moves the task to terminal failure storage, if the
	// backend supports one, recording reason. Backends with no durable
	// dead-letter store (SQS without a configured redrive policy) return
	// ErrUnsupportedOp; callers should still emit a failed event.
	DeadLetter(ctx context.Context, h Handle, reason string) error

	// ExtendLease extends the visibility window of an in-flight task by
	// additional. ErrLeaseLost is returned if the lease had already
	// expired or was reassigned; ErrUnsupportedOp if the backend has no
	// notion of lease extension (see SupportsLeaseRenewal).
	ExtendLease(ctx context.Context, h Handle, additional time.Duration) error

	// QueueDepth returns a best-effort count of items waiting on queue.
	// approximate is true when the backend cannot report an exact count
	// (Redis and SQL drivers report exact counts; SQS reports an
	// eventually-consistent approximation).
	QueueDepth(ctx context.Context, queue string) (depth int64, approximate bool, err error)

	// SupportsLeaseRenewal reports whether ExtendLease is meaningful for
	// this backend. Workers skip their lease-renewal loop for drivers
	// that report false (Redis and AMQP); no lease is renewed for those.
	// Redis's sweep returns entries whose lease has expired to pending,
	// and AMQP redelivers unacknowledged messages when a channel closes.
	SupportsLeaseRenewal() bool
}
