package tasq

import (
	"context"
	"log/slog"
	"time"

	"github.com/tasqhq/tasq/internal"
)

// TaskState names a terminal storage state a Cleaner can target for
// retention cleanup. Only backends with durable terminal-state storage
// (the SQL family) implement Cleaner; Redis/SQS/AMQP have no equivalent
// since completed/dead-lettered items there are either deleted outright
// or routed to a backend-native dead-letter queue.
type TaskState uint8

const (
	StateDone TaskState = iota
	StateDead
)

// Cleaner deletes terminal-state rows matching state, optionally
// restricted to rows last updated before the given timestamp.
type Cleaner interface {
	Clean(ctx context.Context, state TaskState, before *time.Time) (int64, error)
}

// CleanConfig schedules a CleanWorker's retention sweeps.
type CleanConfig struct {
	// State selects which terminal rows to target.
	State TaskState

	// Interval is how often a sweep runs.
	Interval time.Duration

	// Before, if true, restricts deletion to rows older than
	// now - Delta.
	Before bool
	Delta  time.Duration
}

// CleanWorker periodically invokes a Cleaner for retention management.
// It does not participate in task processing and has no effect on
// visibility timeouts.
type CleanWorker struct {
	lifecycle
	cleaner Cleaner
	task    internal.TimerTask
	log     *slog.Logger
	cfg     CleanConfig
}

// NewCleanWorker builds a CleanWorker. The worker is not started
// automatically.
func NewCleanWorker(cleaner Cleaner, cfg CleanConfig, log *slog.Logger) *CleanWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CleanWorker{cleaner: cleaner, cfg: cfg, log: log}
}

func (cw *CleanWorker) beforeStamp() *time.Time {
	if !cw.cfg.Before {
		return nil
	}
	ret := time.Now()
	if cw.cfg.Delta != 0 {
		ret = ret.Add(-cw.cfg.Delta)
	}
	return &ret
}

func (cw *CleanWorker) clean(ctx context.Context) {
	before := cw.beforeStamp()
	count, err := cw.cleaner.Clean(ctx, cw.cfg.State, before)
	if err != nil {
		cw.log.Error("error while cleaning", "err", err)
		return
	}
	cw.log.Info("cleaned terminal tasks", "count", count)
}

// Start begins periodic cleanup. Start returns ErrAlreadyStarted if the
// worker has already been started.
func (cw *CleanWorker) Start(ctx context.Context) error {
	if err := cw.tryStart(); err != nil {
		return err
	}
	cw.task.Start(ctx, cw.clean, cw.cfg.Interval)
	return nil
}

// Stop terminates the background cleanup task, waiting up to timeout
// for the in-flight sweep to finish.
func (cw *CleanWorker) Stop(timeout time.Duration) error {
	return cw.tryStop(timeout, cw.task.Stop)
}
