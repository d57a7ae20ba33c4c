package tasq

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a component
	// that has already been started.
	ErrAlreadyStarted = errors.New("tasq: already started")

	// ErrAlreadyStopped is returned when Stop is called on a component
	// that is not currently running.
	ErrAlreadyStopped = errors.New("tasq: already stopped")

	// ErrStopTimeout is returned when a component fails to shut down
	// within the provided grace period. The component may still be
	// terminating in the background.
	ErrStopTimeout = errors.New("tasq: stop timeout")

	// ErrConnectFail indicates transient backend unavailability. The
	// bundled drivers return it (joined with the underlying error) from
	// Connect after a single failed attempt; neither the drivers nor the
	// Worker retry the connection.
	ErrConnectFail = errors.New("tasq: connect failed")

	// ErrQueueFull indicates a backend-defined capacity limit was hit at
	// enqueue time.
	ErrQueueFull = errors.New("tasq: queue full")

	// ErrLeaseLost indicates an ack/nack/dead-letter/extend-lease call
	// targeted a handle whose lease had already expired or been revoked.
	// The task has been, or will be, redelivered.
	ErrLeaseLost = errors.New("tasq: lease lost")

	// ErrUnsupportedOp indicates the backend cannot fulfill the
	// requested operation (for example, an SQS delay over 900s, or an
	// explicit DeadLetter call against a queue with no redrive policy).
	ErrUnsupportedOp = errors.New("tasq: unsupported operation")

	// ErrPayloadTooLarge is a dispatch-time validation failure: the
	// encoded envelope exceeds the configured maximum size.
	ErrPayloadTooLarge = errors.New("tasq: payload too large")

	// ErrApproximate names the best-effort-estimate condition of a queue
	// depth. QueueDepth does not return it; it reports an estimate through
	// its approximate result instead.
	ErrApproximate = errors.New("tasq: approximate count")

	// ErrBadState indicates an operation was restricted to terminal task
	// states (done/dead) but was given a non-terminal one.
	ErrBadState = errors.New("tasq: bad task state")

	// ErrUnknownClassPath indicates a fetched envelope names a class
	// path with no matching registration. Per the design's explicit
	// registry (replacing the source's dynamic class lookup), the Worker
	// treats this as a decode error: replayed with a short fixed delay
	// and dead-lettered once the decode-failure cap is reached.
	ErrUnknownClassPath = errors.New("tasq: unknown class path")

	// ErrKill is a sentinel a handler may return to force immediate
	// dead-lettering, bypassing retry/backoff entirely regardless of how
	// many attempts remain.
	ErrKill = errors.New("tasq: handler requested kill")
)
