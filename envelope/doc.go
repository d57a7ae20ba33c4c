// Package envelope defines the canonical wire form of a task instance and
// the codec used to serialize it.
//
// An Envelope is the single record that travels from a Dispatcher, through
// a Driver's storage or transport, to a Worker. It carries both the
// caller's arguments and the scheduling/retry metadata needed to execute
// exactly one attempt and decide what happens next.
//
// # Encoding
//
// Envelopes are encoded with msgpack (github.com/vmihailenco/msgpack/v5).
// The codec is deterministic: envelope fields are written in a fixed
// order and map keys (Args and any nested map) are written in sorted
// order, so Encode(env) always produces identical bytes for identical
// input.
//
// Two extension values are supported inside Args: Ref (a reference to an
// external record, resolved by a loader before execution) and ErrCarrier
// (a serialized prior error, used to give retried handlers access to why
// the previous attempt failed). Set, Instant and Decimal are carried as
// extension values as well. All of them round-trip through Encode/Decode.
//
// Decoding a payload that is malformed, truncated, or tagged with an
// extension id this package does not recognize returns an error wrapping
// ErrDecode rather than silently dropping data.
package envelope
