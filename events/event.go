package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind names one of the six lifecycle events a Dispatcher or Worker
// emits.
type Kind string

const (
	Enqueued   Kind = "enqueued"
	Started    Kind = "started"
	Completed  Kind = "completed"
	Failed     Kind = "failed"
	Retrying   Kind = "retrying"
	Reenqueued Kind = "reenqueued"
)

// Event carries the fields common to every kind, plus a kind-specific
// payload.
type Event struct {
	Kind           Kind
	TaskID         uuid.UUID
	ClassPath      string
	Queue          string
	CurrentAttempt uint32
	MaxAttempts    uint32
	CorrelationID  string

	// Duration is set on Completed.
	Duration time.Duration

	// Err is set on Failed and Retrying.
	Err error

	// Terminal is set on Failed: true if the task was dead-lettered,
	// false if Err was merely logged while attempts remain (which
	// should not normally happen — terminal failures are the only
	// Failed events emitted by the reference Worker).
	Terminal bool

	// Delay is set on Retrying: the computed backoff before the next
	// attempt.
	Delay time.Duration

	// Reason is set on Reenqueued.
	Reason string
}
