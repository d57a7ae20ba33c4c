package tasq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasqhq/tasq/internal"
)

// CPUExecutor runs one attempt of a CPU-bound task out-of-process. A
// *pool.Pool satisfies this interface; Executor depends on the
// interface rather than the concrete type so the two packages do not
// import each other.
type CPUExecutor interface {
	Execute(ctx context.Context, classPath string, args map[string]any, timeout time.Duration) error
}

// Outcome is the result of running one task attempt.
type Outcome struct {
	Err       error
	TimedOut  bool
	Retryable bool
}

// Executor runs a single attempt of a registered task, routing it to
// the runtime its TaskKind names and enforcing the attempt's timeout.
//
// For KindAsyncIO and KindSyncIO the timeout is advisory: Go has no way
// to forcibly stop a goroutine, so a handler that ignores ctx keeps
// running in the background after Run has already returned TimedOut.
// CPU kinds do not have this problem, since the out-of-process worker
// can be killed outright; see package pool.
type Executor struct {
	syncPool *internal.WorkerPool[syncJob]
	cpu      CPUExecutor
	log      *slog.Logger
}

type syncJob struct {
	run  func()
	done chan struct{}
}

// NewExecutor builds an Executor. syncConcurrency/syncQueue size the
// goroutine pool backing KindSyncIO tasks. cpu may be nil, in which
// case KindAsyncCPU/KindSyncCPU tasks fail immediately with
// ErrUnsupportedOp.
func NewExecutor(syncConcurrency, syncQueue int, cpu CPUExecutor, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		syncPool: internal.NewWorkerPool[syncJob](syncConcurrency, syncQueue, log),
		cpu:      cpu,
		log:      log,
	}
}

// Start brings the sync-IO pool online. Call once before Run.
func (e *Executor) Start(ctx context.Context) {
	e.syncPool.Start(ctx, func(_ context.Context, j syncJob) {
		defer close(j.done)
		j.run()
	})
}

// Stop drains in-flight sync-IO jobs and returns a channel closed once
// they have all returned.
func (e *Executor) Stop() internal.DoneChan {
	return e.syncPool.Stop()
}

// Run executes one attempt of def against args, enforcing timeout (zero
// means unbounded). It blocks until the attempt finishes or, for
// goroutine-based kinds, until timeout elapses.
func (e *Executor) Run(ctx context.Context, def TaskDef, classPath string, args map[string]any, timeout time.Duration) Outcome {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch def.Kind {
	case KindAsyncIO:
		return e.runGoroutine(ctx, def, func() error { return def.Execute(ctx, args) })
	case KindSyncIO:
		return e.runSync(ctx, def, args)
	case KindAsyncCPU, KindSyncCPU:
		return e.runCPU(ctx, def, classPath, args, timeout)
	default:
		return outcomeOf(def, fmt.Errorf("tasq: unknown task kind %d", def.Kind))
	}
}

func (e *Executor) runGoroutine(ctx context.Context, def TaskDef, fn func() error) Outcome {
	errCh := make(chan error, 1)
	go func() {
		errCh <- safeRun(fn)
	}()
	select {
	case err := <-errCh:
		return outcomeOf(def, err)
	case <-ctx.Done():
		return Outcome{Err: ctx.Err(), TimedOut: true, Retryable: true}
	}
}

func (e *Executor) runSync(ctx context.Context, def TaskDef, args map[string]any) Outcome {
	done := make(chan struct{})
	var runErr error
	job := syncJob{
		run:  func() { runErr = safeRun(func() error { return def.Execute(ctx, args) }) },
		done: done,
	}
	if !e.syncPool.Push(job) {
		return Outcome{Err: ErrQueueFull, Retryable: true}
	}
	select {
	case <-done:
		return outcomeOf(def, runErr)
	case <-ctx.Done():
		return Outcome{Err: ctx.Err(), TimedOut: true, Retryable: true}
	}
}

func (e *Executor) runCPU(ctx context.Context, def TaskDef, classPath string, args map[string]any, timeout time.Duration) Outcome {
	if e.cpu == nil {
		return Outcome{Err: ErrUnsupportedOp, Retryable: true}
	}
	err := e.cpu.Execute(ctx, classPath, args, timeout)
	if err == context.DeadlineExceeded {
		return Outcome{Err: err, TimedOut: true, Retryable: true}
	}
	return outcomeOf(def, err)
}

func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasq: task panicked: %v", r)
		}
	}()
	return fn()
}

func outcomeOf(def TaskDef, err error) Outcome {
	if err == nil {
		return Outcome{}
	}
	return Outcome{Err: err, Retryable: def.shouldRetry(err)}
}
