package tasq_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/tasqhq/tasq"
	"github.com/tasqhq/tasq/driver/sqldriver"
	"github.com/tasqhq/tasq/events"
)

// capturingSink records every event emitted on a Bus, for assertions.
type capturingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingSink) Emit(_ context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturingSink) find(kind events.Kind) (events.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	if err := sqldriver.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestWorker(t *testing.T, drv tasq.Driver, registry *tasq.Registry, cfg tasq.WorkerConfig) *tasq.Worker {
	t.Helper()
	executor := tasq.NewExecutor(4, 16, nil, slog.Default())
	return tasq.NewWorker(drv, registry, nil, executor, nil, cfg, slog.Default())
}

func defaultWorkerConfig() tasq.WorkerConfig {
	return tasq.WorkerConfig{
		Queues:       []string{"default"},
		Concurrency:  1,
		Queue:        10,
		BatchCeiling: 1,
		PollInterval: 20 * time.Millisecond,
		WaitDeadline: 0,
	}
}

func TestWorkerProcessesTask(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "test-worker")
	ctx := context.Background()
	if err := drv.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	registry := tasq.NewRegistry()
	handlerCalled := make(chan struct{}, 1)
	registry.Register("greet", tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			handlerCalled <- struct{}{}
			return nil
		},
	})

	worker := newTestWorker(t, drv, registry, defaultWorkerConfig())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(runCtx); err != nil {
		t.Fatal(err)
	}

	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{DefaultQueue: "default", DefaultMaxAttempts: 3})
	if _, err := disp.Dispatch(ctx, tasq.NewTask("greet", map[string]any{"name": "ada"})); err != nil {
		t.Fatal(err)
	}

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "test-worker")
	ctx := context.Background()
	if err := drv.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	registry := tasq.NewRegistry()
	var calls atomic.Int32
	registry.Register("flaky", tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			if calls.Add(1) < 2 {
				return errors.New("fail once")
			}
			return nil
		},
	})

	cfg := defaultWorkerConfig()
	cfg.Backoff = tasq.BackoffConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      1,
	}
	worker := newTestWorker(t, drv, registry, cfg)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(runCtx); err != nil {
		t.Fatal(err)
	}

	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{DefaultQueue: "default", DefaultMaxAttempts: 3})
	if _, err := disp.Dispatch(ctx, tasq.NewTask("flaky", nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a retry, only saw %d call(s)", calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerKillShortcutDeadLetters(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "test-worker")
	ctx := context.Background()
	if err := drv.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	registry := tasq.NewRegistry()
	var calls atomic.Int32
	registry.Register("doomed", tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			calls.Add(1)
			return tasq.ErrKill
		},
	})

	worker := newTestWorker(t, drv, registry, defaultWorkerConfig())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(runCtx); err != nil {
		t.Fatal(err)
	}

	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{DefaultQueue: "default", DefaultMaxAttempts: 5})
	if _, err := disp.Dispatch(ctx, tasq.NewTask("doomed", nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("handler never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("ErrKill should bypass retry entirely, handler ran %d times", got)
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerDecodeFailureReplaysAndEmitsReenqueued(t *testing.T) {
	drv := &fakeDriver{}
	handle := tasq.Handle{Queue: "default", Opaque: "garbage-handle"}
	drv.deliveries = []tasq.Delivery{{
		Handle:          handle,
		Envelope:        []byte{0xff, 0xff, 0xff},
		DeliveryAttempt: 1,
	}}

	bus := events.NewBus(slog.Default())
	sink := &capturingSink{}
	bus.Register(sink)

	registry := tasq.NewRegistry()
	executor := tasq.NewExecutor(1, 1, nil, slog.Default())
	worker := tasq.NewWorker(drv, registry, nil, executor, bus, defaultWorkerConfig(), slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := worker.Start(runCtx); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		drv.mu.Lock()
		n := len(drv.nacked)
		drv.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the undecodable delivery to be nacked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	drv.mu.Lock()
	nacked := append([]fakeNack(nil), drv.nacked...)
	drv.mu.Unlock()
	if len(nacked) != 1 || nacked[0].handle != handle {
		t.Fatalf("expected exactly one nack of the undecodable handle, got %+v", nacked)
	}

	ev, ok := sink.find(events.Reenqueued)
	if !ok {
		t.Fatal("expected a Reenqueued event for the decode-failure replay")
	}
	if ev.Reason != "decode_error" {
		t.Fatalf("expected reenqueue reason %q, got %q", "decode_error", ev.Reason)
	}
}

func TestWorkerDecodeFailureDeadLettersPastCap(t *testing.T) {
	drv := &fakeDriver{}
	handle := tasq.Handle{Queue: "default", Opaque: "garbage-handle"}
	drv.deliveries = []tasq.Delivery{{
		Handle:          handle,
		Envelope:        []byte{0xff, 0xff, 0xff},
		DeliveryAttempt: 5,
	}}

	registry := tasq.NewRegistry()
	executor := tasq.NewExecutor(1, 1, nil, slog.Default())
	worker := tasq.NewWorker(drv, registry, nil, executor, nil, defaultWorkerConfig(), slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := worker.Start(runCtx); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		drv.mu.Lock()
		n := len(drv.deadLettered)
		drv.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the undecodable delivery to be dead-lettered past the cap")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	drv.mu.Lock()
	deadLettered := append([]fakeDeadLetter(nil), drv.deadLettered...)
	drv.mu.Unlock()
	if len(deadLettered) != 1 || deadLettered[0].handle != handle {
		t.Fatalf("expected exactly one dead-letter of the undecodable handle, got %+v", deadLettered)
	}
}
