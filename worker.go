package tasq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasqhq/tasq/envelope"
	"github.com/tasqhq/tasq/events"
	"github.com/tasqhq/tasq/internal"
	"github.com/tasqhq/tasq/resolver"
)

// WorkerConfig parameterizes a Worker's runtime behavior.
type WorkerConfig struct {
	// Queues is polled in order; a higher-priority queue is always
	// drained before a lower one is even asked.
	Queues []string

	// Concurrency bounds the number of tasks processed at once.
	Concurrency int

	// Queue sizes the buffer between fetching and dispatching.
	Queue int

	// BatchCeiling caps how many deliveries a single Fetch call may
	// return.
	BatchCeiling int

	// PollInterval is how often the fetch loop asks the driver for more
	// work. Driver.Fetch's own waitDeadline (below) still governs how
	// long any single call may block.
	PollInterval time.Duration

	// WaitDeadline bounds how long a single Fetch call may block waiting
	// for at least one deliverable item; per spec this should be at
	// most one second so shutdown stays responsive.
	WaitDeadline time.Duration

	// Backoff configures the delay between retries of a failed task.
	Backoff BackoffConfig
}

// Worker is a Driver-based, multi-queue consumer. It generalizes a
// single-backend SQL-only consumer into one that works identically
// against any Driver implementation: fetch, decode, resolve references,
// execute, then ack/nack/dead-letter.
type Worker struct {
	lifecycle
	driver    Driver
	registry  *Registry
	resolver  *resolver.Registry
	executor  *Executor
	bus       *events.Bus
	log       *slog.Logger
	pool      *internal.WorkerPool[Delivery]
	fetchTask internal.TimerTask
	cfg       WorkerConfig
	backoff   backoffCounter
}

// NewWorker builds a Worker. resolver may be nil, in which case
// reference arguments are left unresolved (handlers see raw
// envelope.Ref values). bus may be nil, in which case no events are
// emitted.
func NewWorker(driver Driver, registry *Registry, resolver *resolver.Registry, executor *Executor, bus *events.Bus, cfg WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		driver:   driver,
		registry: registry,
		resolver: resolver,
		executor: executor,
		bus:      bus,
		log:      log,
		pool:     internal.NewWorkerPool[Delivery](cfg.Concurrency, cfg.Queue, log),
		cfg:      cfg,
		backoff:  backoffCounter{cfg.Backoff},
	}
}

// Start begins background fetching and processing. Start returns
// ErrAlreadyStarted if the worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.tryStart(); err != nil {
		return err
	}
	w.executor.Start(ctx)
	w.pool.Start(ctx, w.handle)
	w.fetchTask.Start(ctx, w.fetch, w.cfg.PollInterval)
	return nil
}

func (w *Worker) fetch(ctx context.Context) {
	deliveries, err := w.driver.Fetch(ctx, w.cfg.Queues, w.cfg.BatchCeiling, w.cfg.WaitDeadline)
	if err != nil {
		w.log.Error("fetch failed", "err", err)
		return
	}
	for _, d := range deliveries {
		if !w.pool.Push(d) {
			w.log.Debug("delivery push interrupted by shutdown")
			return
		}
	}
}

func (w *Worker) doStop() internal.DoneChan {
	first := w.fetchTask.Stop()
	second := w.executor.Stop()
	third := w.pool.Stop()
	return internal.Combine(first, internal.Combine(second, third))
}

// Stop initiates shutdown: fetching stops immediately and the context of
// in-flight deliveries is cancelled (the Executor then reports each
// running attempt as timed out), then Stop waits up to timeout for them
// to finish. Past the
// deadline ErrStopTimeout is returned and background goroutines may
// still be terminating.
func (w *Worker) Stop(timeout time.Duration) error {
	return w.tryStop(timeout, w.doStop)
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	env, err := envelope.Decode(d.Envelope)
	if err != nil {
		w.handleDecodeFailure(ctx, d, err)
		return
	}

	def, ok := w.registry.Lookup(env.ClassPath)
	if !ok {
		w.handleDecodeFailure(ctx, d, fmt.Errorf("%w: %q", ErrUnknownClassPath, env.ClassPath))
		return
	}

	args := env.Args
	if w.resolver != nil {
		resolved, err := w.resolver.Resolve(ctx, env.Args)
		if err != nil {
			w.afterAttempt(ctx, d, env, def, args, Outcome{Err: err, Retryable: true})
			return
		}
		args = resolved
	}

	w.emit(ctx, events.Event{
		Kind:          events.Started,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		CurrentAttempt: uint32(d.DeliveryAttempt),
		MaxAttempts:   env.MaxAttempts,
		CorrelationID: env.CorrelationID,
	})

	start := time.Now()
	out := w.runWithLeaseRenewal(ctx, d.Handle, def, env, args)
	if out.Err == nil {
		w.ack(ctx, d.Handle, env, time.Since(start))
		return
	}
	if errors.Is(out.Err, ErrLeaseLost) {
		w.log.Warn("lease lost mid-execution", "id", env.ID, "class_path", env.ClassPath)
		return
	}
	w.afterAttempt(ctx, d, env, def, args, out)
}

// runWithLeaseRenewal runs one attempt, extending the delivery's lease
// at half the visibility-timeout interval for backends that support it
// (SupportsLeaseRenewal). For drivers that report false (Redis, AMQP)
// the loop is skipped entirely and the lease is not renewed.
func (w *Worker) runWithLeaseRenewal(ctx context.Context, h Handle, def TaskDef, env *envelope.Envelope, args map[string]any) Outcome {
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- w.executor.Run(ctx, def, env.ClassPath, args, env.Timeout())
	}()

	vis := env.VisibilityTimeout()
	if !w.driver.SupportsLeaseRenewal() || vis <= 0 {
		return <-resultCh
	}

	interval := vis / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case out := <-resultCh:
			return out
		case <-timer.C:
			if err := w.driver.ExtendLease(ctx, h, vis); err != nil {
				return Outcome{Err: err}
			}
			timer.Reset(interval)
		}
	}
}

// handleDecodeFailure replays an undecodable delivery with a short fixed
// delay, giving a stale worker build a chance to be redeployed, and
// dead-letters it once the driver's own delivery-attempt counter reaches
// decodeFailureCap. The cap is keyed off d.DeliveryAttempt rather than
// envelope.DecodeFailures because the whole point of this path is that
// the envelope's bytes may not be decodable at all: a counter living on
// the wire could never be read back in the case that matters most.
// env is still decoded best-effort (envelope.Decode never returns nil)
// purely so the emitted event can carry a task ID/class path/queue when
// only a nested field, not the whole envelope, was unreadable.
func (w *Worker) handleDecodeFailure(ctx context.Context, d Delivery, decodeErr error) {
	env, _ := envelope.Decode(d.Envelope)
	env.DecodeFailures = uint32(d.DeliveryAttempt)
	env.ReenqueueReason = envelope.DecodeFailure

	if d.DeliveryAttempt >= decodeFailureCap {
		w.deadLetter(ctx, d.Handle, env, "decode failure: "+decodeErr.Error())
		return
	}
	if err := w.driver.Nack(ctx, d.Handle, decodeRetryDelay); err != nil {
		w.log.Error("cannot nack undecodable delivery", "err", err)
		return
	}
	w.emit(ctx, events.Event{
		Kind:          events.Reenqueued,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		CorrelationID: env.CorrelationID,
		Reason:        env.ReenqueueReason.String(),
	})
}

func (w *Worker) afterAttempt(ctx context.Context, d Delivery, env *envelope.Envelope, def TaskDef, args map[string]any, out Outcome) {
	attempt := uint32(d.DeliveryAttempt)
	if !out.Retryable || attempt >= env.MaxAttempts {
		w.fail(ctx, d.Handle, env, def, args, out.Err)
		return
	}
	delay, ok := w.backoff.next(env.RetryStrategy, env.RetryDelay(), attempt)
	if !ok {
		w.fail(ctx, d.Handle, env, def, args, out.Err)
		return
	}
	if err := w.driver.Nack(ctx, d.Handle, delay); err != nil {
		w.log.Error("cannot nack delivery", "id", env.ID, "err", err)
		return
	}
	w.emit(ctx, events.Event{
		Kind:          events.Retrying,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		CurrentAttempt: attempt,
		MaxAttempts:   env.MaxAttempts,
		CorrelationID: env.CorrelationID,
		Err:           out.Err,
		Delay:         delay,
	})
}

func (w *Worker) fail(ctx context.Context, h Handle, env *envelope.Envelope, def TaskDef, args map[string]any, taskErr error) {
	w.invokeFailed(def, args, taskErr)
	reason := "handler error"
	if taskErr != nil {
		reason = taskErr.Error()
	}
	if err := w.driver.DeadLetter(ctx, h, reason); err != nil {
		w.log.Error("cannot dead-letter delivery", "id", env.ID, "err", err)
	}
	w.emit(ctx, events.Event{
		Kind:          events.Failed,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		MaxAttempts:   env.MaxAttempts,
		CorrelationID: env.CorrelationID,
		Err:           taskErr,
		Terminal:      true,
	})
}

func (w *Worker) deadLetter(ctx context.Context, h Handle, env *envelope.Envelope, reason string) {
	if err := w.driver.DeadLetter(ctx, h, reason); err != nil {
		w.log.Error("cannot dead-letter delivery", "id", env.ID, "err", err)
	}
	w.emit(ctx, events.Event{
		Kind:          events.Failed,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		MaxAttempts:   env.MaxAttempts,
		CorrelationID: env.CorrelationID,
		Terminal:      true,
		Reason:        reason,
	})
}

func (w *Worker) ack(ctx context.Context, h Handle, env *envelope.Envelope, dur time.Duration) {
	if err := w.driver.Ack(ctx, h); err != nil {
		w.log.Error("cannot ack delivery", "id", env.ID, "err", err)
	}
	w.emit(ctx, events.Event{
		Kind:          events.Completed,
		TaskID:        env.ID,
		ClassPath:     env.ClassPath,
		Queue:         env.Queue,
		MaxAttempts:   env.MaxAttempts,
		CorrelationID: env.CorrelationID,
		Duration:      dur,
	})
}

func (w *Worker) invokeFailed(def TaskDef, args map[string]any, err error) {
	if def.Failed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Failed hook panicked", "err", r)
		}
	}()
	def.Failed(args, err)
}

func (w *Worker) emit(ctx context.Context, ev events.Event) {
	if w.bus == nil {
		return
	}
	w.bus.Emit(ctx, ev)
}
