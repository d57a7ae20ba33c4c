// Package redisdriver implements tasq.Driver over Redis, using three
// keys per logical queue (a pending list, a processing list, and a
// delayed sorted set) plus a lock hash tracking each in-flight item's
// lease, and a background sweep that recovers items whose lease
// expired without an Ack/Nack/DeadLetter ever arriving.
package redisdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasqhq/tasq"
)

// Driver implements tasq.Driver over a Redis client. Construct one per
// process; Driver is safe for concurrent use.
type Driver struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger

	sweepInterval time.Duration
	sweepCancel   atomic.Pointer[context.CancelFunc]
}

// NewDriver builds a Driver over client, namespacing all of its keys
// under prefix (e.g. "tasq"). sweepInterval governs how often the
// background recovery sweep runs over each queue's processing list; a
// sensible default is a few seconds.
func NewDriver(client redis.UniversalClient, prefix string, sweepInterval time.Duration, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{client: client, prefix: prefix, sweepInterval: sweepInterval, log: log}
}

func (d *Driver) pendingKey(queue string) string    { return fmt.Sprintf("%s:{%s}:pending", d.prefix, queue) }
func (d *Driver) processingKey(queue string) string { return fmt.Sprintf("%s:{%s}:processing", d.prefix, queue) }
func (d *Driver) delayedKey(queue string) string    { return fmt.Sprintf("%s:{%s}:delayed", d.prefix, queue) }
func (d *Driver) lockKey(queue string) string       { return fmt.Sprintf("%s:{%s}:locks", d.prefix, queue) }
func (d *Driver) attemptsKey(queue string) string   { return fmt.Sprintf("%s:{%s}:attempts", d.prefix, queue) }
func (d *Driver) deadKey(queue string) string        { return fmt.Sprintf("%s:{%s}:dead", d.prefix, queue) }

type handleOpaque struct {
	Queue string
	Raw   string
}

func (d *Driver) Connect(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return errors.Join(tasq.ErrConnectFail, err)
	}
	d.startSweep()
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if p := d.sweepCancel.Load(); p != nil {
		(*p)()
	}
	return d.client.Close()
}

func (d *Driver) Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error {
	if err := d.client.SAdd(ctx, d.prefix+":queues", queue).Err(); err != nil {
		return err
	}
	if delay <= 0 {
		return d.client.LPush(ctx, d.pendingKey(queue), env).Err()
	}
	score := float64(time.Now().Add(delay).UnixNano())
	return d.client.ZAdd(ctx, d.delayedKey(queue), redis.Z{Score: score, Member: env}).Err()
}

// claimScript promotes any due delayed members into the pending list,
// then atomically moves one pending member into the processing list.
// It returns the moved member's raw bytes, or nil if nothing was
// available.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return redis.call('RPOPLPUSH', KEYS[2], KEYS[3])
`)

func (d *Driver) Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]tasq.Delivery, error) {
	if len(queues) == 0 || maxBatch <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(waitDeadline)
	var out []tasq.Delivery
	for {
		for _, q := range queues {
			for len(out) < maxBatch {
				raw, err := d.claimOne(ctx, q)
				if err != nil {
					return nil, err
				}
				if raw == "" {
					break
				}
				delivery, err := d.stampClaim(ctx, q, raw)
				if err != nil {
					return nil, err
				}
				out = append(out, delivery)
			}
		}
		if len(out) > 0 || waitDeadline <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (d *Driver) claimOne(ctx context.Context, queue string) (string, error) {
	res, err := claimScript.Run(ctx, d.client,
		[]string{d.delayedKey(queue), d.pendingKey(queue), d.processingKey(queue)},
		time.Now().UnixNano(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", nil
	}
	return s, nil
}

func (d *Driver) stampClaim(ctx context.Context, queue, raw string) (tasq.Delivery, error) {
	attempts, err := d.client.HIncrBy(ctx, d.attemptsKey(queue), raw, 1).Result()
	if err != nil {
		return tasq.Delivery{}, err
	}
	visibility := 30 * time.Second
	if env, err := decodeEnvelope([]byte(raw)); err == nil && env.VisibilityTimeout() > 0 {
		visibility = env.VisibilityTimeout()
	}
	lockedUntil := time.Now().Add(visibility).UnixNano()
	if err := d.client.HSet(ctx, d.lockKey(queue), raw, lockedUntil).Err(); err != nil {
		return tasq.Delivery{}, err
	}
	return tasq.Delivery{
		Handle:          tasq.Handle{Queue: queue, Opaque: handleOpaque{Queue: queue, Raw: raw}},
		Envelope:        []byte(raw),
		DeliveryAttempt: int(attempts),
	}, nil
}

func (d *Driver) opaque(h tasq.Handle) (handleOpaque, error) {
	op, ok := h.Opaque.(handleOpaque)
	if !ok {
		return handleOpaque{}, fmt.Errorf("redisdriver: malformed handle")
	}
	return op, nil
}

func (d *Driver) Ack(ctx context.Context, h tasq.Handle) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	removed, err := d.client.LRem(ctx, d.processingKey(op.Queue), 1, op.Raw).Result()
	if err != nil {
		return err
	}
	d.client.HDel(ctx, d.lockKey(op.Queue), op.Raw)
	d.client.HDel(ctx, d.attemptsKey(op.Queue), op.Raw)
	if removed == 0 {
		return tasq.ErrLeaseLost
	}
	return nil
}

func (d *Driver) Nack(ctx context.Context, h tasq.Handle, requeueAfter time.Duration) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	removed, err := d.client.LRem(ctx, d.processingKey(op.Queue), 1, op.Raw).Result()
	if err != nil {
		return err
	}
	d.client.HDel(ctx, d.lockKey(op.Queue), op.Raw)
	if removed == 0 {
		return tasq.ErrLeaseLost
	}
	if requeueAfter <= 0 {
		return d.client.LPush(ctx, d.pendingKey(op.Queue), op.Raw).Err()
	}
	score := float64(time.Now().Add(requeueAfter).UnixNano())
	return d.client.ZAdd(ctx, d.delayedKey(op.Queue), redis.Z{Score: score, Member: op.Raw}).Err()
}

func (d *Driver) DeadLetter(ctx context.Context, h tasq.Handle, reason string) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	removed, err := d.client.LRem(ctx, d.processingKey(op.Queue), 1, op.Raw).Result()
	if err != nil {
		return err
	}
	d.client.HDel(ctx, d.lockKey(op.Queue), op.Raw)
	d.client.HDel(ctx, d.attemptsKey(op.Queue), op.Raw)
	if removed == 0 {
		return tasq.ErrLeaseLost
	}
	payload, err := encodeDeadLetter(reason, []byte(op.Raw))
	if err != nil {
		return err
	}
	return d.client.LPush(ctx, d.deadKey(op.Queue), payload).Err()
}

func (d *Driver) ExtendLease(ctx context.Context, h tasq.Handle, additional time.Duration) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	exists, err := d.client.HExists(ctx, d.lockKey(op.Queue), op.Raw).Result()
	if err != nil {
		return err
	}
	if !exists {
		return tasq.ErrLeaseLost
	}
	lockedUntil := time.Now().Add(additional).UnixNano()
	return d.client.HSet(ctx, d.lockKey(op.Queue), op.Raw, lockedUntil).Err()
}

func (d *Driver) QueueDepth(ctx context.Context, queue string) (int64, bool, error) {
	pending, err := d.client.LLen(ctx, d.pendingKey(queue)).Result()
	if err != nil {
		return 0, false, err
	}
	delayed, err := d.client.ZCard(ctx, d.delayedKey(queue)).Result()
	if err != nil {
		return 0, false, err
	}
	return pending + delayed, false, nil
}

// SupportsLeaseRenewal reports false, so Workers run no ExtendLease loop
// for Redis and leases are not renewed; the driver's sweep moves
// processing entries whose lease has expired back to pending.
func (d *Driver) SupportsLeaseRenewal() bool {
	return false
}
