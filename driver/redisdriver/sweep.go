package redisdriver

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// recoverScript moves items whose lease has expired (or is missing
// entirely, e.g. after a worker crash between claim and lock-stamp)
// back from the processing list to the pending list.
var recoverScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local recovered = 0
for _, raw in ipairs(items) do
	local lockedUntil = redis.call('HGET', KEYS[2], raw)
	if (not lockedUntil) or tonumber(lockedUntil) < tonumber(ARGV[1]) then
		redis.call('LREM', KEYS[1], 1, raw)
		redis.call('HDEL', KEYS[2], raw)
		redis.call('LPUSH', KEYS[3], raw)
		recovered = recovered + 1
	end
end
return recovered
`)

// Sweep recovers expired in-flight items for one queue, returning how
// many were moved back to pending. It is exported so embedders can
// trigger an out-of-band sweep (tests, admin tooling) without waiting
// for the background ticker.
func (d *Driver) Sweep(ctx context.Context, queue string) (int64, error) {
	res, err := recoverScript.Run(ctx, d.client,
		[]string{d.processingKey(queue), d.lockKey(queue), d.pendingKey(queue)},
		time.Now().UnixNano(),
	).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// startSweep launches the background recovery loop if sweepInterval is
// positive. Connect calls this; Close cancels it.
func (d *Driver) startSweep() {
	if d.sweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.sweepCancel.Store(&cancel)
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
	queues, err := d.client.SMembers(ctx, d.prefix+":queues").Result()
	if err != nil {
		d.log.Error("sweep: list queues failed", "err", err)
		return
	}
	for _, q := range queues {
		if n, err := d.Sweep(ctx, q); err != nil {
			d.log.Error("sweep failed", "queue", q, "err", err)
		} else if n > 0 {
			d.log.Info("recovered expired leases", "queue", q, "count", n)
		}
	}
}
