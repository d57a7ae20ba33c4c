package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/tasqhq/tasq"
	"github.com/tasqhq/tasq/envelope"
)

// Dialect selects how Driver builds its queue-priority ordering
// expression. bun's query builder is otherwise dialect-agnostic, but
// Postgres and MySQL/SQLite diverge on array support.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectMySQL
	DialectSQLite
)

// Driver implements tasq.Driver over a bun.DB-backed SQL table, shared
// across PostgreSQL, MySQL, and SQLite.
//
// Driver claims rows with SELECT ... FOR UPDATE SKIP LOCKED followed by
// a per-row UPDATE, so concurrent workers never block on each other's
// claims. SQLite has no row-level locking and rejects that grammar, so
// the SQLite dialect omits FOR UPDATE SKIP LOCKED entirely and relies
// on SQLite's own whole-database write lock to serialize claims.
type Driver struct {
	db       *bun.DB
	dialect  Dialect
	workerID string
}

// NewDriver builds a Driver against an already-configured *bun.DB. The
// caller is responsible for selecting the matching bun dialect
// (pgdialect, mysqldialect, sqlitedialect) when constructing db, and
// for calling Migrate before first use. workerID is stamped onto claimed
// rows for administrative inspection (Observer); it may be empty.
func NewDriver(db *bun.DB, dialect Dialect, workerID string) *Driver {
	return &Driver{db: db, dialect: dialect, workerID: workerID}
}

type handleOpaque struct {
	ID uuid.UUID
}

func (d *Driver) Connect(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return errors.Join(tasq.ErrConnectFail, err)
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	return d.db.Close()
}

func (d *Driver) Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error {
	now := time.Now()
	var visibilityTimeout int64
	if decoded, err := envelope.Decode(env); err == nil {
		visibilityTimeout = decoded.VisibilityTimeoutS
	}
	model := &taskModel{
		ID:                uuid.New(),
		Queue:             queue,
		CreatedAt:         now,
		UpdatedAt:         now,
		Status:            statusPending,
		NextRunAt:         now.Add(delay),
		VisibilityTimeout: visibilityTimeout,
		Envelope:          env,
	}
	_, err := d.db.NewInsert().Model(model).Exec(ctx)
	return err
}

// orderByQueues returns a bun order expression plus its bound arguments
// that sorts rows by their position in queues: Postgres uses
// array_position over a bound array, MySQL/SQLite (which lack
// array_position) use an explicit CASE expression. Both encode the same
// fetch-priority contract.
func orderByQueues(dialect Dialect, queues []string) (string, []any) {
	switch dialect {
	case DialectPostgres:
		placeholders := make([]string, len(queues))
		args := make([]any, len(queues))
		for i, q := range queues {
			placeholders[i] = "?"
			args[i] = q
		}
		return fmt.Sprintf("array_position(ARRAY[%s], queue)", strings.Join(placeholders, ",")), args
	default:
		var sb strings.Builder
		sb.WriteString("CASE queue")
		args := make([]any, 0, len(queues)*2+1)
		for i, q := range queues {
			sb.WriteString(" WHEN ? THEN ?")
			args = append(args, q, i)
		}
		sb.WriteString(" ELSE ? END")
		args = append(args, len(queues))
		return sb.String(), args
	}
}

func (d *Driver) Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]tasq.Delivery, error) {
	if len(queues) == 0 || maxBatch <= 0 {
		return nil, nil
	}

	deadline := time.Now().Add(waitDeadline)
	const pollInterval = 100 * time.Millisecond
	for {
		rows, err := d.claim(ctx, queues, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 || waitDeadline <= 0 || time.Now().After(deadline) {
			return rows, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// claim locks up to maxBatch eligible rows with SELECT ... FOR UPDATE
// SKIP LOCKED and transitions them to Processing, one UPDATE per row
// since each row's lease length (locked_until) comes from its own
// stored visibility timeout rather than a value uniform across the
// batch.
func (d *Driver) claim(ctx context.Context, queues []string, maxBatch int) ([]tasq.Delivery, error) {
	now := time.Now()
	orderExpr, orderArgs := orderByQueues(d.dialect, queues)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var rows []*taskModel
	selectQuery := tx.NewSelect().
		Model(&rows).
		Where("queue IN (?)", bun.In(queues)).
		Where("next_run_at <= ?", now).
		WhereGroup("AND", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where("status = ?", statusPending).
				WhereOr("status = ? AND locked_until < ?", statusProcessing, now)
		}).
		OrderExpr(orderExpr, orderArgs...).
		Order("next_run_at ASC").
		Limit(maxBatch)
	// SQLite has no row-level locking and rejects FOR UPDATE's grammar
	// outright; a single writer transaction is already serialized by
	// SQLite's own database-level lock, so SKIP LOCKED has nothing to
	// add there. Postgres and MySQL both need it to let concurrent
	// workers claim disjoint rows instead of blocking on each other.
	if d.dialect != DialectSQLite {
		selectQuery = selectQuery.For("UPDATE SKIP LOCKED")
	}
	err = selectQuery.Scan(ctx)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}

	out := make([]tasq.Delivery, 0, len(rows))
	for _, r := range rows {
		visibility := time.Duration(r.VisibilityTimeout) * time.Second
		if visibility <= 0 {
			visibility = 30 * time.Second
		}
		lockedUntil := now.Add(visibility)
		_, err := tx.NewUpdate().
			Model((*taskModel)(nil)).
			Set("status = ?", statusProcessing).
			Set("attempts = attempts + 1").
			Set("locked_until = ?", lockedUntil).
			Set("updated_at = ?", now).
			Set("worker_id = ?", d.workerID).
			Where("id = ?", r.ID).
			Exec(ctx)
		if err != nil {
			return nil, errors.Join(err, tx.Rollback())
		}
		out = append(out, tasq.Delivery{
			Handle:          tasq.Handle{Queue: r.Queue, Opaque: handleOpaque{ID: r.ID}},
			Envelope:        r.Envelope,
			DeliveryAttempt: int(r.Attempts) + 1,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) opaqueID(h tasq.Handle) (uuid.UUID, error) {
	op, ok := h.Opaque.(handleOpaque)
	if !ok {
		return uuid.Nil, fmt.Errorf("sqldriver: malformed handle")
	}
	return op.ID, nil
}

func (d *Driver) Ack(ctx context.Context, h tasq.Handle) error {
	id, err := d.opaqueID(h)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := d.db.NewUpdate().
		Model((*taskModel)(nil)).
		Set("status = ?", statusDone).
		Set("locked_until = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", statusProcessing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !affected(res) {
		return tasq.ErrLeaseLost
	}
	return nil
}

func (d *Driver) Nack(ctx context.Context, h tasq.Handle, requeueAfter time.Duration) error {
	id, err := d.opaqueID(h)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := d.db.NewUpdate().
		Model((*taskModel)(nil)).
		Set("status = ?", statusPending).
		Set("next_run_at = ?", now.Add(requeueAfter)).
		Set("locked_until = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", statusProcessing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !affected(res) {
		return tasq.ErrLeaseLost
	}
	return nil
}

func (d *Driver) DeadLetter(ctx context.Context, h tasq.Handle, reason string) error {
	id, err := d.opaqueID(h)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var row taskModel
	rowQuery := tx.NewSelect().Model(&row).Where("id = ?", id)
	if d.dialect != DialectSQLite {
		rowQuery = rowQuery.For("UPDATE")
	}
	err = rowQuery.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return tasq.ErrLeaseLost
		}
		return errors.Join(err, tx.Rollback())
	}

	dl := &deadLetterModel{
		ID:       row.ID,
		Queue:    row.Queue,
		Reason:   reason,
		DeadAt:   time.Now(),
		Envelope: row.Envelope,
	}
	if _, err := tx.NewInsert().Model(dl).Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.NewDelete().Model((*taskModel)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

func (d *Driver) ExtendLease(ctx context.Context, h tasq.Handle, additional time.Duration) error {
	id, err := d.opaqueID(h)
	if err != nil {
		return err
	}
	now := time.Now()
	newLock := now.Add(additional)
	res, err := d.db.NewUpdate().
		Model((*taskModel)(nil)).
		Set("locked_until = ?", newLock).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", statusProcessing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !affected(res) {
		return tasq.ErrLeaseLost
	}
	return nil
}

func (d *Driver) QueueDepth(ctx context.Context, queue string) (int64, bool, error) {
	count, err := d.db.NewSelect().
		Model((*taskModel)(nil)).
		Where("queue = ?", queue).
		Where("status = ?", statusPending).
		Count(ctx)
	if err != nil {
		return 0, false, err
	}
	return int64(count), false, nil
}

func (d *Driver) SupportsLeaseRenewal() bool {
	return true
}

func affected(res sql.Result) bool {
	rows, err := res.RowsAffected()
	if err != nil {
		return true
	}
	return rows != 0
}
