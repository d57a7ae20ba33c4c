package events_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/tasqhq/tasq/events"
)

type recordingSink struct {
	got []events.Event
}

func (r *recordingSink) Emit(_ context.Context, ev events.Event) {
	r.got = append(r.got, ev)
}

type panickingSink struct{}

func (panickingSink) Emit(context.Context, events.Event) {
	panic("boom")
}

func TestBusFanOutAndPanicRecovery(t *testing.T) {
	bus := events.NewBus(nil)
	rec := &recordingSink{}
	bus.Register(panickingSink{})
	bus.Register(rec)

	bus.Emit(context.Background(), events.Event{
		Kind:   events.Enqueued,
		TaskID: uuid.New(),
		Queue:  "default",
	})

	if len(rec.got) != 1 {
		t.Fatalf("expected the non-panicking sink to still receive the event, got %d", len(rec.got))
	}
	if rec.got[0].Kind != events.Enqueued {
		t.Fatalf("expected Enqueued, got %v", rec.got[0].Kind)
	}
}
