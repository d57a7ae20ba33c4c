// Package sqldriver implements tasq.Driver over a bun.DB-backed SQL
// table, shared across PostgreSQL, MySQL, and SQLite. Dialect selection
// happens entirely at *bun.DB construction time (pgdialect,
// mysqldialect, sqlitedialect); the query-builder code in this package
// is dialect-agnostic except for the queue-priority ordering expression
// (see orderByQueues).
package sqldriver

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// status is the terminal/non-terminal state of a task row. It is
// unexported: callers outside this package only ever see tasq.Driver's
// opaque Handle and tasq.TaskState.
type status uint8

const (
	statusPending status = iota
	statusProcessing
	statusDone
	statusDead
)

type taskModel struct {
	bun.BaseModel `bun:"table:tasq_tasks"`

	ID    uuid.UUID `bun:"id,pk,type:uuid"`
	Queue string    `bun:"queue,notnull"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	Status            status     `bun:"status,notnull,default:0"`
	Attempts          uint32     `bun:"attempts,notnull,default:0"`
	LockedUntil       *time.Time `bun:"locked_until,nullzero,default:null"`
	NextRunAt         time.Time  `bun:"next_run_at,notnull"`
	WorkerID          string     `bun:"worker_id,nullzero"`
	LastError         string     `bun:"last_error,nullzero"`
	VisibilityTimeout int64      `bun:"visibility_timeout_s,notnull,default:0"`

	Envelope []byte `bun:"envelope,type:blob,notnull"`
}

type deadLetterModel struct {
	bun.BaseModel `bun:"table:tasq_dead_letters"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	Queue      string    `bun:"queue,notnull"`
	Reason     string    `bun:"reason,notnull"`
	DeadAt     time.Time `bun:"dead_at,nullzero,notnull,default:current_timestamp"`
	Envelope   []byte    `bun:"envelope,type:blob,notnull"`
}
