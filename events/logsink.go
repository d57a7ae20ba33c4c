package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event as a structured slog record. It is the
// teacher's logging posture (log/slog throughout) applied to the event
// taxonomy rather than to ad hoc call sites.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink wraps log. If log is nil, slog.Default() is used.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	attrs := []any{
		"task_id", ev.TaskID,
		"class_path", ev.ClassPath,
		"queue", ev.Queue,
		"attempt", ev.CurrentAttempt,
		"max_attempts", ev.MaxAttempts,
	}
	if ev.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", ev.CorrelationID)
	}
	switch ev.Kind {
	case Completed:
		attrs = append(attrs, "duration", ev.Duration)
		s.log.Info("task completed", attrs...)
	case Failed:
		attrs = append(attrs, "err", ev.Err, "terminal", ev.Terminal)
		s.log.Error("task failed", attrs...)
	case Retrying:
		attrs = append(attrs, "err", ev.Err, "delay", ev.Delay)
		s.log.Warn("task retrying", attrs...)
	case Reenqueued:
		attrs = append(attrs, "reason", ev.Reason)
		s.log.Info("task reenqueued", attrs...)
	default:
		s.log.Info(string(ev.Kind), attrs...)
	}
}
