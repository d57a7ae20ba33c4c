// Package events defines the lifecycle event taxonomy emitted by a
// Dispatcher and a Worker, and the pluggable sinks that consume it.
//
// Emission is fire-and-forget: Bus.Emit calls each sink in turn, so a
// slow sink delays Emit and the sinks after it, and a sink whose Emit
// panics is recovered and logged, never retried or
// propagated to the caller. This package specifies the event shapes and
// two built-in sinks (a structured-log sink and a Redis pub/sub
// fan-out); it intentionally does not specify a metrics emitter —
// metrics sinks are an external collaborator that consumes this same
// taxonomy.
package events
