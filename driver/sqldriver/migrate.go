package sqldriver

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

func createTasksTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*taskModel)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func createDeadLettersTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*deadLetterModel)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func createQueueRunIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*taskModel)(nil)).
		Index("idx_tasq_tasks_status_next").
		Column("queue", "status", "next_run_at").
		IfNotExists().
		Exec(ctx)
	return err
}

func createLockIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*taskModel)(nil)).
		Index("idx_tasq_tasks_status_lock").
		Column("status", "locked_until").
		IfNotExists().
		Exec(ctx)
	return err
}

func createDeadLetterQueueIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*deadLetterModel)(nil)).
		Index("idx_tasq_dead_letters_queue").
		Column("queue", "dead_at").
		IfNotExists().
		Exec(ctx)
	return err
}

func migrate(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := createTasksTable(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createDeadLettersTable(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createQueueRunIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createLockIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createDeadLetterQueueIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// Migrate creates the tasq_tasks and tasq_dead_letters tables and their
// indexes if they do not already exist, inside a single transaction. It
// is idempotent and dialect-agnostic: db's dialect (pgdialect,
// mysqldialect, sqlitedialect) governs the generated DDL.
func Migrate(ctx context.Context, db *bun.DB) error {
	return migrate(ctx, db)
}

// MustMigrate behaves like Migrate but panics on failure, for use in
// application bootstrap code where a missing schema is unrecoverable.
func MustMigrate(ctx context.Context, db *bun.DB) {
	if err := migrate(ctx, db); err != nil {
		panic(err)
	}
}
