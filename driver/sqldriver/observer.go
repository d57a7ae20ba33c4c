package sqldriver

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/tasqhq/tasq/envelope"
)

// TaskSnapshot is a read-only view of a tasq_tasks row, for
// administrative inspection. It is not part of tasq.Driver: only
// SQL-family backends can support ad hoc inspection queries cheaply.
type TaskSnapshot struct {
	ID        uuid.UUID
	Queue     string
	Attempts  uint32
	WorkerID  string
	LastError string
	Envelope  *envelope.Envelope
}

// Observer provides read-only access to task rows. Observer does not
// participate in visibility-timeout handling and must not modify rows.
type Observer struct {
	db *bun.DB
}

// NewObserver builds an Observer against db, which should be the same
// *bun.DB passed to NewDriver.
func NewObserver(db *bun.DB) *Observer {
	return &Observer{db: db}
}

// Get retrieves a single task snapshot by ID. It returns (nil, nil) if
// no row with that ID exists.
func (o *Observer) Get(ctx context.Context, id uuid.UUID) (*TaskSnapshot, error) {
	var row taskModel
	err := o.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return snapshotOf(&row)
}

// ListByQueue returns up to limit task snapshots for queue, ordered by
// next_run_at. A non-positive limit returns every matching row.
func (o *Observer) ListByQueue(ctx context.Context, queue string, limit int) ([]*TaskSnapshot, error) {
	query := o.db.NewSelect().
		Model((*taskModel)(nil)).
		Where("queue = ?", queue).
		Order("next_run_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*taskModel
	if err := query.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]*TaskSnapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := snapshotOf(r)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func snapshotOf(row *taskModel) (*TaskSnapshot, error) {
	env, err := envelope.Decode(row.Envelope)
	if err != nil {
		env = nil
	}
	return &TaskSnapshot{
		ID:        row.ID,
		Queue:     row.Queue,
		Attempts:  row.Attempts,
		WorkerID:  row.WorkerID,
		LastError: row.LastError,
		Envelope:  env,
	}, nil
}
