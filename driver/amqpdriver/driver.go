// Package amqpdriver implements tasq.Driver over RabbitMQ using
// github.com/rabbitmq/amqp091-go.
//
// Each logical queue gets one durable queue bound to a single durable
// direct exchange by a routing key equal to the queue name, plus a
// companion "<queue>_delayed" queue holding not-yet-ready envelopes and
// a "<queue>_dead" queue receiving DeadLetter traffic. AMQP has no
// native delayed-delivery primitive without a broker plugin, so delayed
// envelopes are stored with an 8-byte big-endian float64 ready-timestamp
// prefix and promoted by a background sweep goroutine once that
// timestamp has passed — the same approach spec-described systems use
// when they cannot assume the delayed-message-exchange plugin is
// installed.
package amqpdriver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tasqhq/tasq"
)

const exchangeName = "tasq"

const attemptHeader = "x-attempt"

// Driver implements tasq.Driver over a single AMQP connection/channel
// pair. Construct one per process; Driver serializes its own channel
// access internally and is safe for concurrent use.
type Driver struct {
	url string
	log *slog.Logger

	chMu sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	declaredMu sync.Mutex
	declared   map[string]bool

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
}

// NewDriver builds a Driver that will dial url on Connect. sweepInterval
// governs how often the background goroutine scans each queue's delayed
// companion queue for envelopes whose ready-timestamp has elapsed; zero
// disables the background sweep (Sweep can still be called explicitly).
func NewDriver(url string, sweepInterval time.Duration, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{url: url, sweepInterval: sweepInterval, log: log, declared: make(map[string]bool)}
}

func delayedQueueName(queue string) string { return queue + "_delayed" }
func deadQueueName(queue string) string    { return queue + "_dead" }

func (d *Driver) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return errors.Join(tasq.ErrConnectFail, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Join(tasq.ErrConnectFail, err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return errors.Join(tasq.ErrConnectFail, err)
	}
	d.chMu.Lock()
	d.conn, d.ch = conn, ch
	d.chMu.Unlock()
	d.startSweep()
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if d.sweepCancel != nil {
		d.sweepCancel()
	}
	d.chMu.Lock()
	defer d.chMu.Unlock()
	var firstErr error
	if d.ch != nil {
		if err := d.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Driver) ensureQueue(queue string) error {
	d.declaredMu.Lock()
	defer d.declaredMu.Unlock()
	if d.declared[queue] {
		return nil
	}

	d.chMu.Lock()
	defer d.chMu.Unlock()

	if _, err := d.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpdriver: declare %q: %w", queue, err)
	}
	if err := d.ch.QueueBind(queue, queue, exchangeName, false, nil); err != nil {
		return fmt.Errorf("amqpdriver: bind %q: %w", queue, err)
	}
	if _, err := d.ch.QueueDeclare(delayedQueueName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpdriver: declare %q: %w", delayedQueueName(queue), err)
	}
	if _, err := d.ch.QueueDeclare(deadQueueName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpdriver: declare %q: %w", deadQueueName(queue), err)
	}
	d.declared[queue] = true
	return nil
}

func (d *Driver) Enqueue(ctx context.Context, queue string, env []byte, delay time.Duration) error {
	if err := d.ensureQueue(queue); err != nil {
		return err
	}
	d.chMu.Lock()
	defer d.chMu.Unlock()

	if delay <= 0 {
		return d.ch.PublishWithContext(ctx, exchangeName, queue, false, false, amqp.Publishing{
			Body:         env,
			DeliveryMode: amqp.Persistent,
		})
	}
	return d.ch.PublishWithContext(ctx, "", delayedQueueName(queue), false, false, amqp.Publishing{
		Body:         prefixReadyAt(time.Now().Add(delay), env),
		DeliveryMode: amqp.Persistent,
	})
}

func (d *Driver) Fetch(ctx context.Context, queues []string, maxBatch int, waitDeadline time.Duration) ([]tasq.Delivery, error) {
	if len(queues) == 0 || maxBatch <= 0 {
		return nil, nil
	}
	for _, q := range queues {
		if err := d.ensureQueue(q); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(waitDeadline)
	var out []tasq.Delivery
	for {
		for _, q := range queues {
			for len(out) < maxBatch {
				msg, ok, err := d.get(q)
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				out = append(out, tasq.Delivery{
					Handle:          tasq.Handle{Queue: q, Opaque: amqpHandle{Queue: q, Delivery: msg}},
					Envelope:        msg.Body,
					DeliveryAttempt: attemptFromHeaders(msg.Headers),
				})
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

func (d *Driver) get(queue string) (amqp.Delivery, bool, error) {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	return d.ch.Get(queue, false)
}

type amqpHandle struct {
	Queue    string
	Delivery amqp.Delivery
}

func (d *Driver) opaque(h tasq.Handle) (amqpHandle, error) {
	op, ok := h.Opaque.(amqpHandle)
	if !ok {
		return amqpHandle{}, fmt.Errorf("amqpdriver: malformed handle")
	}
	return op, nil
}

func (d *Driver) Ack(ctx context.Context, h tasq.Handle) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	if err := op.Delivery.Ack(false); err != nil {
		return tasq.ErrLeaseLost
	}
	return nil
}

// Nack always acks the original delivery and republishes a copy with an
// incremented attempt header, either immediately or onto the delayed
// queue, so DeliveryAttempt stays meaningful whether or not requeueAfter
// is zero — AMQP's own requeue=true redelivers the identical message
// with no attempt bookkeeping.
func (d *Driver) Nack(ctx context.Context, h tasq.Handle, requeueAfter time.Duration) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}
	attempt := attemptFromHeaders(op.Delivery.Headers) + 1

	d.chMu.Lock()
	defer d.chMu.Unlock()

	if ackErr := op.Delivery.Ack(false); ackErr != nil {
		return tasq.ErrLeaseLost
	}
	headers := withAttempt(op.Delivery.Headers, attempt)
	if requeueAfter <= 0 {
		return d.ch.PublishWithContext(ctx, exchangeName, op.Queue, false, false, amqp.Publishing{
			Body:         op.Delivery.Body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
		})
	}
	return d.ch.PublishWithContext(ctx, "", delayedQueueName(op.Queue), false, false, amqp.Publishing{
		Body:         prefixReadyAt(time.Now().Add(requeueAfter), op.Delivery.Body),
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	})
}

func (d *Driver) DeadLetter(ctx context.Context, h tasq.Handle, reason string) error {
	op, err := d.opaque(h)
	if err != nil {
		return err
	}

	d.chMu.Lock()
	defer d.chMu.Unlock()

	if ackErr := op.Delivery.Ack(false); ackErr != nil {
		return tasq.ErrLeaseLost
	}
	headers := amqp.Table{"x-reason": reason}
	return d.ch.PublishWithContext(ctx, "", deadQueueName(op.Queue), false, false, amqp.Publishing{
		Body:         op.Delivery.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	})
}

// ExtendLease has no AMQP counterpart: an unacked delivery's visibility
// is tied to the consuming channel's liveness, not to a renewable lease.
func (d *Driver) ExtendLease(ctx context.Context, h tasq.Handle, additional time.Duration) error {
	return tasq.ErrUnsupportedOp
}

func (d *Driver) QueueDepth(ctx context.Context, queue string) (int64, bool, error) {
	if err := d.ensureQueue(queue); err != nil {
		return 0, true, err
	}
	d.chMu.Lock()
	defer d.chMu.Unlock()
	q, err := d.ch.QueueInspect(queue)
	if err != nil {
		return 0, true, err
	}
	return int64(q.Messages), true, nil
}

// SupportsLeaseRenewal reports false: in-flight messages are requeued by
// the broker itself if the consuming connection drops, and ExtendLease
// has nothing to renew.
func (d *Driver) SupportsLeaseRenewal() bool {
	return false
}

func prefixReadyAt(readyAt time.Time, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(buf[:8], math.Float64bits(float64(readyAt.UnixNano())))
	copy(buf[8:], body)
	return buf
}

func attemptFromHeaders(h amqp.Table) int {
	v, ok := h[attemptHeader]
	if !ok {
		return 1
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 1
	}
}

func withAttempt(h amqp.Table, attempt int) amqp.Table {
	out := amqp.Table{}
	for k, v := range h {
		if k == attemptHeader {
			continue
		}
		out[k] = v
	}
	out[attemptHeader] = int32(attempt)
	return out
}
