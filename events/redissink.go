package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes each event, JSON-encoded, to a named Redis pub/sub
// channel. It is the second built-in sink named in the specification:
// "a fan-out to a named pub/sub channel on Redis".
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
}

// NewRedisSink constructs a sink that publishes to channel over client.
func NewRedisSink(client redis.UniversalClient, channel string, log *slog.Logger) *RedisSink {
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{client: client, channel: channel, log: log}
}

type wireEvent struct {
	Kind           Kind   `json:"kind"`
	TaskID         string `json:"task_id"`
	ClassPath      string `json:"class_path"`
	Queue          string `json:"queue"`
	CurrentAttempt uint32 `json:"current_attempt"`
	MaxAttempts    uint32 `json:"max_attempts"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	Err            string `json:"err,omitempty"`
	Terminal       bool   `json:"terminal,omitempty"`
	DelayMS        int64  `json:"delay_ms,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Emit implements Sink. Publish errors are logged, never propagated —
// a slow or unreachable Redis must not affect task processing.
func (s *RedisSink) Emit(ctx context.Context, ev Event) {
	w := wireEvent{
		Kind:           ev.Kind,
		TaskID:         ev.TaskID.String(),
		ClassPath:      ev.ClassPath,
		Queue:          ev.Queue,
		CurrentAttempt: ev.CurrentAttempt,
		MaxAttempts:    ev.MaxAttempts,
		CorrelationID:  ev.CorrelationID,
		DurationMS:     ev.Duration.Milliseconds(),
		Terminal:       ev.Terminal,
		DelayMS:        ev.Delay.Milliseconds(),
		Reason:         ev.Reason,
	}
	if ev.Err != nil {
		w.Err = ev.Err.Error()
	}
	b, err := json.Marshal(w)
	if err != nil {
		s.log.Error("event json encode failed", "err", err)
		return
	}
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Error("event publish failed", "err", err, "channel", s.channel)
	}
}
