package tasq_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tasqhq/tasq"
)

func TestExecutorRunsAsyncIO(t *testing.T) {
	e := tasq.NewExecutor(2, 8, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	def := tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			return nil
		},
	}
	out := e.Run(context.Background(), def, "noop", nil, 0)
	if out.Err != nil {
		t.Fatalf("expected success, got %v", out.Err)
	}
}

func TestExecutorRunsSyncIOOnPool(t *testing.T) {
	e := tasq.NewExecutor(1, 4, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	called := make(chan struct{}, 1)
	def := tasq.TaskDef{
		Kind: tasq.KindSyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			called <- struct{}{}
			return nil
		},
	}
	out := e.Run(context.Background(), def, "noop", nil, time.Second)
	if out.Err != nil {
		t.Fatalf("expected success, got %v", out.Err)
	}
	select {
	case <-called:
	default:
		t.Fatal("expected Execute to have run")
	}
}

func TestExecutorTimesOutAsyncIO(t *testing.T) {
	e := tasq.NewExecutor(2, 8, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	def := tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	out := e.Run(context.Background(), def, "slow", nil, 20*time.Millisecond)
	if !out.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if !out.Retryable {
		t.Fatal("expected a timeout to be retryable")
	}
}

func TestExecutorCPUKindWithoutPoolIsUnsupported(t *testing.T) {
	e := tasq.NewExecutor(1, 4, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	def := tasq.TaskDef{Kind: tasq.KindAsyncCPU}
	out := e.Run(context.Background(), def, "cpu-task", nil, 0)
	if !errors.Is(out.Err, tasq.ErrUnsupportedOp) {
		t.Fatalf("expected ErrUnsupportedOp, got %v", out.Err)
	}
}

func TestExecutorErrKillIsNotRetryable(t *testing.T) {
	e := tasq.NewExecutor(2, 8, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	def := tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			return tasq.ErrKill
		},
	}
	out := e.Run(context.Background(), def, "doomed", nil, 0)
	if out.Retryable {
		t.Fatal("expected ErrKill to be non-retryable")
	}
}

func TestExecutorCustomShouldRetry(t *testing.T) {
	e := tasq.NewExecutor(2, 8, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	sentinel := errors.New("permanent")
	def := tasq.TaskDef{
		Kind:        tasq.KindAsyncIO,
		Execute:     func(ctx context.Context, args map[string]any) error { return sentinel },
		ShouldRetry: func(err error) bool { return !errors.Is(err, sentinel) },
	}
	out := e.Run(context.Background(), def, "picky", nil, 0)
	if out.Retryable {
		t.Fatal("expected custom ShouldRetry to suppress retry")
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := tasq.NewExecutor(2, 8, nil, slog.Default())
	e.Start(context.Background())
	defer e.Stop()

	def := tasq.TaskDef{
		Kind: tasq.KindAsyncIO,
		Execute: func(ctx context.Context, args map[string]any) error {
			panic("boom")
		},
	}
	out := e.Run(context.Background(), def, "panicky", nil, time.Second)
	if out.Err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
}
