package tasq

import (
	"sync/atomic"
	"time"

	"github.com/tasqhq/tasq/internal"
)

const (
	stopped = iota
	started
)

// lifecycle is a start/stop-once guard shared by the long-running
// components of this package (Worker, CleanWorker); pool.Pool keeps its
// own copy. It is the
// teacher's lc_base kept nearly verbatim: a single atomic state machine
// plus a bounded wait for a component's own shutdown signal.
type lifecycle struct {
	state atomic.Int32
}

func (lc *lifecycle) tryStart() error {
	if !lc.state.CompareAndSwap(stopped, started) {
		return ErrAlreadyStarted
	}
	return nil
}

func (lc *lifecycle) tryStop(timeout time.Duration, df internal.DoneFunc) error {
	if !lc.state.CompareAndSwap(started, stopped) {
		return ErrAlreadyStopped
	}
	done := df()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
