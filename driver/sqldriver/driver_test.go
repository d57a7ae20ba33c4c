package sqldriver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasqhq/tasq"
	"github.com/tasqhq/tasq/driver/sqldriver"
	"github.com/tasqhq/tasq/envelope"
)

func newEnvelopeBytes(t *testing.T, classPath string) []byte {
	t.Helper()
	env := envelope.New(classPath, map[string]any{"n": 1})
	env.Queue = "default"
	env.MaxAttempts = 3
	b, err := envelope.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEnqueueAndFetchClaims(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "worker-1")
	ctx := context.Background()

	if err := drv.Enqueue(ctx, "default", newEnvelopeBytes(t, "SendEmail"), 0); err != nil {
		t.Fatal(err)
	}

	deliveries, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].DeliveryAttempt != 1 {
		t.Fatalf("expected first attempt, got %d", deliveries[0].DeliveryAttempt)
	}

	// A second fetch immediately after should see nothing: the row is
	// now Processing and not yet past its lease.
	again, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 deliveries on second fetch, got %d", len(again))
	}
}

func TestAckTransitionsToDone(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "worker-1")
	ctx := context.Background()

	if err := drv.Enqueue(ctx, "default", newEnvelopeBytes(t, "SendEmail"), 0); err != nil {
		t.Fatal(err)
	}
	deliveries, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := deliveries[0].Handle

	if err := drv.Ack(ctx, h); err != nil {
		t.Fatal(err)
	}
	// acking twice should report a lost lease since the row is no
	// longer Processing.
	if err := drv.Ack(ctx, h); !errors.Is(err, tasq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on double ack, got %v", err)
	}
}

func TestNackReschedules(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "worker-1")
	ctx := context.Background()

	if err := drv.Enqueue(ctx, "default", newEnvelopeBytes(t, "SendEmail"), 0); err != nil {
		t.Fatal(err)
	}
	deliveries, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := deliveries[0].Handle

	if err := drv.Nack(ctx, h, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	// not yet eligible: next_run_at is 10s out
	again, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 deliveries before requeue delay elapses, got %d", len(again))
	}
}

func TestDeadLetterMovesRow(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "worker-1")
	ctx := context.Background()

	if err := drv.Enqueue(ctx, "default", newEnvelopeBytes(t, "SendEmail"), 0); err != nil {
		t.Fatal(err)
	}
	deliveries, err := drv.Fetch(ctx, []string{"default"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := deliveries[0].Handle

	if err := drv.DeadLetter(ctx, h, "handler exhausted retries"); err != nil {
		t.Fatal(err)
	}

	// the row is gone from the active table: a second DeadLetter call
	// against the same handle reports a lost lease.
	if err := drv.DeadLetter(ctx, h, "again"); !errors.Is(err, tasq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for already-dead-lettered handle, got %v", err)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	db := newTestDB(t)
	drv := sqldriver.NewDriver(db, sqldriver.DialectSQLite, "worker-1")
	ctx := context.Background()

	if err := drv.Enqueue(ctx, "low", newEnvelopeBytes(t, "A"), 0); err != nil {
		t.Fatal(err)
	}
	if err := drv.Enqueue(ctx, "high", newEnvelopeBytes(t, "B"), 0); err != nil {
		t.Fatal(err)
	}

	deliveries, err := drv.Fetch(ctx, []string{"high", "low"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Handle.Queue != "high" {
		t.Fatalf("expected high-priority queue first, got %q", deliveries[0].Handle.Queue)
	}
}
