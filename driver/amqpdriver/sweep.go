package amqpdriver

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Sweep scans one queue's delayed companion queue, front to back, and
// promotes any envelope whose ready-timestamp has passed onto the real
// queue. It stops at the first not-yet-ready envelope and requeues it,
// since envelopes are not strictly ordered by readiness but are close
// enough in practice that stopping early avoids spinning the queue.
// Sweep is exported so callers can trigger an out-of-band pass (tests,
// admin tooling) without waiting for the background ticker.
func (d *Driver) Sweep(ctx context.Context, queue string) (int, error) {
	if err := d.ensureQueue(queue); err != nil {
		return 0, err
	}
	promoted := 0
	for {
		d.chMu.Lock()
		msg, ok, err := d.ch.Get(delayedQueueName(queue), false)
		if err != nil {
			d.chMu.Unlock()
			return promoted, err
		}
		if !ok {
			d.chMu.Unlock()
			return promoted, nil
		}
		if len(msg.Body) < 8 {
			msg.Ack(false) // malformed entry, drop rather than jam the sweep
			d.chMu.Unlock()
			continue
		}
		readyAt := math.Float64frombits(binary.BigEndian.Uint64(msg.Body[:8]))
		if float64(time.Now().UnixNano()) < readyAt {
			msg.Nack(false, true)
			d.chMu.Unlock()
			return promoted, nil
		}
		err = d.ch.PublishWithContext(ctx, exchangeName, queue, false, false, amqp.Publishing{
			Body:         msg.Body[8:],
			Headers:      msg.Headers,
			DeliveryMode: amqp.Persistent,
		})
		if err != nil {
			msg.Nack(false, true)
			d.chMu.Unlock()
			return promoted, err
		}
		msg.Ack(false)
		d.chMu.Unlock()
		promoted++
	}
}

func (d *Driver) startSweep() {
	if d.sweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.sweepCancel = cancel
	go func() {
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepAllQueues(ctx)
			}
		}
	}()
}

func (d *Driver) sweepAllQueues(ctx context.Context) {
	d.declaredMu.Lock()
	queues := make([]string, 0, len(d.declared))
	for q := range d.declared {
		queues = append(queues, q)
	}
	d.declaredMu.Unlock()

	for _, q := range queues {
		if n, err := d.Sweep(ctx, q); err != nil {
			d.log.Error("sweep failed", "queue", q, "err", err)
		} else if n > 0 {
			d.log.Info("promoted delayed envelopes", "queue", q, "count", n)
		}
	}
}
