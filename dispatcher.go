package tasq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasqhq/tasq/envelope"
	"github.com/tasqhq/tasq/events"
)

// Referenceable is implemented by an argument value that should travel
// inside an envelope as an envelope.Ref rather than being copied
// in-band. Typical implementers are ORM-style records: AsRef returns
// the class path and primary key the resolver (package resolver) will
// use to reload the current record just before the handler runs.
type Referenceable interface {
	AsRef() (classPath string, primaryKey any)
}

// Task describes one task dispatch before it becomes an envelope. The
// zero value is usable; NewTask populates ClassPath and Args, and the
// chained setters below override per-dispatch scheduling. Defaults for
// anything left unset come from the Dispatcher.
type Task struct {
	classPath         string
	args              map[string]any
	queue             string
	delay             time.Duration
	maxAttempts       uint32
	retryStrategy     envelope.RetryStrategy
	retryDelay        time.Duration
	timeout           time.Duration
	visibilityTimeout time.Duration
	correlationID     string
	driver            Driver
}

// NewTask builds a Task dispatching classPath with args. Any value in
// args implementing Referenceable is substituted with an envelope.Ref
// at build time.
func NewTask(classPath string, args map[string]any) Task {
	return Task{classPath: classPath, args: args}
}

// Queue overrides the destination queue.
func (t Task) Queue(q string) Task { t.queue = q; return t }

// Delay sets the minimum time before the task becomes eligible for
// delivery.
func (t Task) Delay(d time.Duration) Task { t.delay = d; return t }

// MaxAttempts overrides the maximum delivery attempt count.
func (t Task) MaxAttempts(n uint32) Task { t.maxAttempts = n; return t }

// WithRetryStrategy overrides the backoff shape used between attempts.
func (t Task) WithRetryStrategy(s envelope.RetryStrategy) Task { t.retryStrategy = s; return t }

// RetryDelay overrides the base retry delay.
func (t Task) RetryDelay(d time.Duration) Task { t.retryDelay = d; return t }

// Timeout overrides the per-attempt hard execution limit.
func (t Task) Timeout(d time.Duration) Task { t.timeout = d; return t }

// VisibilityTimeout overrides the lease length assigned on delivery.
func (t Task) VisibilityTimeout(d time.Duration) Task { t.visibilityTimeout = d; return t }

// CorrelationID attaches a caller-supplied tracing identifier.
func (t Task) CorrelationID(id string) Task { t.correlationID = id; return t }

// Driver pins this dispatch to a specific Driver instead of the
// Dispatcher's default, for callers fanning work out across backends.
func (t Task) Driver(d Driver) Task { t.driver = d; return t }

// DispatcherConfig holds the defaults a Dispatcher applies to a Task
// that leaves a field unset.
type DispatcherConfig struct {
	DefaultQueue             string
	DefaultMaxAttempts       uint32
	DefaultRetryStrategy     envelope.RetryStrategy
	DefaultRetryDelay        time.Duration
	DefaultTimeout           time.Duration
	DefaultVisibilityTimeout time.Duration
	MaxEnvelopeSize          int
}

// Dispatcher turns Tasks into encoded envelopes and hands them to a
// Driver, applying defaults and emitting an enqueued event.
type Dispatcher struct {
	driver Driver
	bus    *events.Bus
	cfg    DispatcherConfig
}

// NewDispatcher builds a Dispatcher using driver as the default target
// and bus to emit lifecycle events on. bus may be nil, in which case
// events are dropped.
func NewDispatcher(driver Driver, bus *events.Bus, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{driver: driver, bus: bus, cfg: cfg}
}

// Dispatch resolves t's defaults, substitutes Referenceable arguments,
// encodes the resulting envelope, and enqueues it on the chosen driver.
// It returns the new task's ID.
func (d *Dispatcher) Dispatch(ctx context.Context, t Task) (uuid.UUID, error) {
	drv := t.driver
	if drv == nil {
		drv = d.driver
	}
	if drv == nil {
		return uuid.Nil, fmt.Errorf("tasq: dispatch %s: no driver configured", t.classPath)
	}

	args := substituteRefs(t.args)
	env := envelope.New(t.classPath, args)
	env.Queue = firstNonEmpty(t.queue, d.cfg.DefaultQueue)
	env.MaxAttempts = firstNonZeroU32(t.maxAttempts, d.cfg.DefaultMaxAttempts)
	env.RetryStrategy = t.retryStrategy
	env.SetRetryDelay(firstNonZeroDuration(t.retryDelay, d.cfg.DefaultRetryDelay))
	env.SetTimeout(firstNonZeroDuration(t.timeout, d.cfg.DefaultTimeout))
	env.SetVisibilityTimeout(firstNonZeroDuration(t.visibilityTimeout, d.cfg.DefaultVisibilityTimeout))
	env.CorrelationID = t.correlationID
	env.DispatchedAt = envelope.Now()
	env.AvailableAt = envelope.At(time.Now().Add(t.delay))

	size, err := envelope.Size(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tasq: encode %s: %w", t.classPath, err)
	}
	if d.cfg.MaxEnvelopeSize > 0 && size > d.cfg.MaxEnvelopeSize {
		return uuid.Nil, ErrPayloadTooLarge
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tasq: encode %s: %w", t.classPath, err)
	}

	if err := drv.Enqueue(ctx, env.Queue, raw, t.delay); err != nil {
		return uuid.Nil, fmt.Errorf("tasq: enqueue %s: %w", t.classPath, err)
	}

	if d.bus != nil {
		d.bus.Emit(ctx, events.Event{
			Kind:          events.Enqueued,
			TaskID:        env.ID,
			ClassPath:     env.ClassPath,
			Queue:         env.Queue,
			MaxAttempts:   env.MaxAttempts,
			CorrelationID: env.CorrelationID,
		})
	}
	return env.ID, nil
}

func substituteRefs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if r, ok := v.(Referenceable); ok {
			classPath, pk := r.AsRef()
			out[k] = envelope.Ref{ClassPath: classPath, PrimaryKey: pk}
			continue
		}
		out[k] = v
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroU32(a, b uint32) uint32 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroDuration(a, b time.Duration) time.Duration {
	if a != 0 {
		return a
	}
	return b
}

var (
	defaultMu   sync.RWMutex
	defaultDisp *Dispatcher
)

// SetDefault installs d as the process-wide default Dispatcher returned
// by Default. Tests and
// multi-tenant embedders can skip the default entirely and hold their
// own *Dispatcher instead.
func SetDefault(d *Dispatcher) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultDisp = d
}

// Default returns the process-wide default Dispatcher, or nil if
// SetDefault has not been called.
func Default() *Dispatcher {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultDisp
}
