package sqldriver

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"github.com/tasqhq/tasq"
)

// Cleaner implements tasq.Cleaner using the same bun.DB-backed tables as
// Driver. It permanently deletes terminal-state rows and does not
// participate in task processing or visibility-timeout handling.
type Cleaner struct {
	db *bun.DB
}

// NewCleaner builds a Cleaner against db, which should be the same
// *bun.DB passed to NewDriver.
func NewCleaner(db *bun.DB) *Cleaner {
	return &Cleaner{db: db}
}

func toStatus(state tasq.TaskState) status {
	if state == tasq.StateDead {
		return statusDead
	}
	return statusDone
}

// Clean deletes rows in the given terminal state: StateDone deletes
// completed tasq_tasks rows (optionally only those last updated at or
// before before), StateDead deletes tasq_dead_letters rows (optionally
// only those dead-lettered at or before before).
func (c *Cleaner) Clean(ctx context.Context, state tasq.TaskState, before *time.Time) (int64, error) {
	if state == tasq.StateDead {
		dead := c.db.NewDelete().Model((*deadLetterModel)(nil)).Where("1 = 1")
		if before != nil {
			dead = dead.Where("dead_at <= ?", *before)
		}
		res, err := dead.Exec(ctx)
		if err != nil {
			return 0, err
		}
		return affectedCount(res)
	}
	query := c.db.NewDelete().
		Model((*taskModel)(nil)).
		Where("status = ?", toStatus(state))
	if before != nil {
		query = query.Where("updated_at <= ?", *before)
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affectedCount(res)
}

func affectedCount(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return n, nil
}
