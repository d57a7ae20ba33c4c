package tasq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tasqhq/tasq"
	"github.com/tasqhq/tasq/envelope"
)

type fakeDriver struct {
	mu sync.Mutex

	queue      []fakeEnqueued
	deliveries []tasq.Delivery // fed to Fetch once each, in order

	acked        []tasq.Handle
	nacked       []fakeNack
	deadLettered []fakeDeadLetter
}

type fakeEnqueued struct {
	queue string
	env   []byte
	delay time.Duration
}

type fakeNack struct {
	handle tasq.Handle
	delay  time.Duration
}

type fakeDeadLetter struct {
	handle tasq.Handle
	reason string
}

func (f *fakeDriver) Connect(ctx context.Context) error { return nil }
func (f *fakeDriver) Close(ctx context.Context) error    { return nil }

func (f *fakeDriver) Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeEnqueued{queue: queue, env: env, delay: delay})
	return nil
}

func (f *fakeDriver) Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]tasq.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) == 0 {
		return nil, nil
	}
	out := f.deliveries
	f.deliveries = nil
	return out, nil
}
func (f *fakeDriver) Ack(ctx context.Context, h tasq.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, h)
	return nil
}
func (f *fakeDriver) Nack(ctx context.Context, h tasq.Handle, requeueAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, fakeNack{handle: h, delay: requeueAfter})
	return nil
}
func (f *fakeDriver) DeadLetter(ctx context.Context, h tasq.Handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLettered = append(f.deadLettered, fakeDeadLetter{handle: h, reason: reason})
	return nil
}
func (f *fakeDriver) ExtendLease(ctx context.Context, h tasq.Handle, additional time.Duration) error {
	return nil
}
func (f *fakeDriver) QueueDepth(ctx context.Context, queue string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queue)), false, nil
}
func (f *fakeDriver) SupportsLeaseRenewal() bool { return false }

type refArg struct {
	id int
}

func (r refArg) AsRef() (string, any) { return "widget", r.id }

func TestDispatchAppliesDefaults(t *testing.T) {
	drv := &fakeDriver{}
	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{
		DefaultQueue:       "default",
		DefaultMaxAttempts: 5,
	})

	id, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", nil))
	if err != nil {
		t.Fatal(err)
	}
	if id.String() == "" {
		t.Fatal("expected a non-empty task id")
	}
	if len(drv.queue) != 1 {
		t.Fatalf("expected one enqueued envelope, got %d", len(drv.queue))
	}

	env, err := envelope.Decode(drv.queue[0].env)
	if err != nil {
		t.Fatal(err)
	}
	if env.Queue != "default" {
		t.Fatalf("expected default queue, got %q", env.Queue)
	}
	if env.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", env.MaxAttempts)
	}
	if env.ID.String() == "" {
		t.Fatal("expected a populated task id")
	}
}

func TestDispatchTaskOverridesDefaults(t *testing.T) {
	drv := &fakeDriver{}
	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{
		DefaultQueue:       "default",
		DefaultMaxAttempts: 5,
	})

	_, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", nil).Queue("priority").MaxAttempts(1))
	if err != nil {
		t.Fatal(err)
	}
	env, err := envelope.Decode(drv.queue[0].env)
	if err != nil {
		t.Fatal(err)
	}
	if env.Queue != "priority" {
		t.Fatalf("expected overridden queue, got %q", env.Queue)
	}
	if env.MaxAttempts != 1 {
		t.Fatalf("expected overridden max attempts 1, got %d", env.MaxAttempts)
	}
}

func TestDispatchNoDriverConfigured(t *testing.T) {
	disp := tasq.NewDispatcher(nil, nil, tasq.DispatcherConfig{})
	_, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", nil))
	if err == nil {
		t.Fatal("expected an error when no driver is configured")
	}
}

func TestDispatchPerTaskDriverOverride(t *testing.T) {
	defaultDrv := &fakeDriver{}
	overrideDrv := &fakeDriver{}
	disp := tasq.NewDispatcher(defaultDrv, nil, tasq.DispatcherConfig{DefaultQueue: "default"})

	_, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", nil).Driver(overrideDrv))
	if err != nil {
		t.Fatal(err)
	}
	if len(defaultDrv.queue) != 0 {
		t.Fatal("expected the default driver to be bypassed")
	}
	if len(overrideDrv.queue) != 1 {
		t.Fatal("expected the override driver to receive the envelope")
	}
}

func TestDispatchRejectsOversizedEnvelope(t *testing.T) {
	drv := &fakeDriver{}
	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{
		DefaultQueue:    "default",
		MaxEnvelopeSize: 1,
	})

	_, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", map[string]any{"name": "a very long argument value"}))
	if !errors.Is(err, tasq.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDispatchSubstitutesReferenceableArgs(t *testing.T) {
	drv := &fakeDriver{}
	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{DefaultQueue: "default"})

	_, err := disp.Dispatch(context.Background(), tasq.NewTask("greet", map[string]any{"widget": refArg{id: 42}}))
	if err != nil {
		t.Fatal(err)
	}
	env, err := envelope.Decode(drv.queue[0].env)
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := env.Args["widget"].(envelope.Ref)
	if !ok {
		t.Fatalf("expected widget arg to be substituted with an envelope.Ref, got %T", env.Args["widget"])
	}
	if ref.ClassPath != "widget" {
		t.Fatalf("expected ref class path %q, got %q", "widget", ref.ClassPath)
	}
}

func TestDefaultDispatcherAccessors(t *testing.T) {
	if tasq.Default() != nil {
		t.Fatal("expected no default dispatcher before SetDefault")
	}
	drv := &fakeDriver{}
	disp := tasq.NewDispatcher(drv, nil, tasq.DispatcherConfig{DefaultQueue: "default"})
	tasq.SetDefault(disp)
	t.Cleanup(func() { tasq.SetDefault(nil) })

	if tasq.Default() != disp {
		t.Fatal("expected Default to return the dispatcher passed to SetDefault")
	}
}
