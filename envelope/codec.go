package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension tags reserved by the wire format. REF and ERR are the two
// tags the specification names explicitly; Set, Instant, and Decimal
// are internal additions so those named types survive a decode into
// map[string]any (an Args map) with their Go type identity intact,
// rather than degrading to a plain string or losing their distinction
// from an ordinary sequence.
const (
	extRef     int8 = 5
	extErr     int8 = 6
	extSet     int8 = 7
	extInstant int8 = 8
	extDecimal int8 = 9
)

func init() {
	msgpack.RegisterExt(extRef, (*Ref)(nil))
	msgpack.RegisterExt(extErr, (*ErrCarrier)(nil))
	msgpack.RegisterExt(extSet, (*Set)(nil))
	msgpack.RegisterExt(extInstant, (*Instant)(nil))
	msgpack.RegisterExt(extDecimal, (*Decimal)(nil))
}

// ErrDecode is returned (wrapped) whenever Decode is given malformed
// bytes, a truncated payload, or an extension tag it does not recognize.
var ErrDecode = errors.New("envelope: decode error")

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}

// Envelope is the canonical on-wire form of one task instance.
type Envelope struct {
	ID                 uuid.UUID
	ClassPath          string
	Args               map[string]any
	Queue              string
	MaxAttempts        uint32
	CurrentAttempt     uint32
	RetryStrategy      RetryStrategy
	RetryDelaySeconds  int64
	TimeoutSeconds     int64 // 0 means no hard timeout
	VisibilityTimeoutS int64
	CorrelationID      string
	DispatchedAt       Instant
	AvailableAt        Instant
	ReenqueueReason    ReenqueueReason

	// DecodeFailures records how many deliveries of this envelope failed
	// to decode. The Worker fills it in on the best-effort partial decode
	// of an undecodable delivery; the decode-failure cap itself is keyed
	// off the driver's delivery-attempt counter, not this field.
	DecodeFailures uint32
}

var envelopeFieldOrder = []string{
	"id", "class_path", "args", "queue", "max_attempts", "current_attempt",
	"retry_strategy", "retry_delay", "timeout", "visibility_timeout",
	"correlation_id", "dispatched_at", "available_at", "reenqueue_reason",
	"decode_failures",
}

// EncodeMsgpack implements msgpack.CustomEncoder. Field order is fixed
// and Args keys are written in sorted order, so Encode is deterministic
// for identical input.
func (e *Envelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(envelopeFieldOrder)); err != nil {
		return err
	}
	idText, err := e.ID.MarshalText()
	if err != nil {
		return err
	}
	values := map[string]any{
		"id":                  string(idText),
		"class_path":          e.ClassPath,
		"queue":               e.Queue,
		"max_attempts":        e.MaxAttempts,
		"current_attempt":     e.CurrentAttempt,
		"retry_strategy":      e.RetryStrategy,
		"retry_delay":         e.RetryDelaySeconds,
		"timeout":             e.TimeoutSeconds,
		"visibility_timeout":  e.VisibilityTimeoutS,
		"correlation_id":      e.CorrelationID,
		"dispatched_at":       e.DispatchedAt,
		"available_at":        e.AvailableAt,
		"reenqueue_reason":    e.ReenqueueReason,
		"decode_failures":     e.DecodeFailures,
	}
	for _, key := range envelopeFieldOrder {
		if err := enc.EncodeString(key); err != nil {
			return err
		}
		if key == "args" {
			if err := encodeArgs(enc, e.Args); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(values[key]); err != nil {
			return err
		}
	}
	return nil
}

func encodeArgs(enc *msgpack.Encoder, args map[string]any) error {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(args[k]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (e *Envelope) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if err := e.decodeField(dec, key); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrDecode, key, err)
		}
	}
	return nil
}

func (e *Envelope) decodeField(dec *msgpack.Decoder, key string) error {
	switch key {
	case "id":
		var s string
		if err := dec.Decode(&s); err != nil {
			return err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		e.ID = id
	case "class_path":
		return dec.Decode(&e.ClassPath)
	case "args":
		m := make(map[string]any)
		if err := dec.Decode(&m); err != nil {
			return err
		}
		e.Args = m
	case "queue":
		return dec.Decode(&e.Queue)
	case "max_attempts":
		return dec.Decode(&e.MaxAttempts)
	case "current_attempt":
		return dec.Decode(&e.CurrentAttempt)
	case "retry_strategy":
		return dec.Decode(&e.RetryStrategy)
	case "retry_delay":
		return dec.Decode(&e.RetryDelaySeconds)
	case "timeout":
		return dec.Decode(&e.TimeoutSeconds)
	case "visibility_timeout":
		return dec.Decode(&e.VisibilityTimeoutS)
	case "correlation_id":
		return dec.Decode(&e.CorrelationID)
	case "dispatched_at":
		return dec.Decode(&e.DispatchedAt)
	case "available_at":
		return dec.Decode(&e.AvailableAt)
	case "reenqueue_reason":
		return dec.Decode(&e.ReenqueueReason)
	case "decode_failures":
		return dec.Decode(&e.DecodeFailures)
	default:
		// Unknown field: consume and discard, forward-compatible with
		// future optional additions. Required fields are the ones
		// listed above; an unknown *extension* type nested inside Args
		// still fails via the ext-id check in msgpack itself.
		var discard msgpack.RawMessage
		return dec.Decode(&discard)
	}
}

// Encode serializes an envelope deterministically.
func Encode(e *Envelope) ([]byte, error) {
	return marshal(e)
}

// Decode parses envelope bytes produced by Encode (by this package or any
// other conformant implementation of the wire format). On error, the
// returned *Envelope is never nil: it carries whatever fields were
// decoded before the failure (DecodeMsgpack mutates e field by field, in
// envelopeFieldOrder), which is enough to correlate a decode-error event
// to a task ID/class path/queue in the common case of a single
// unreadable field rather than wholly malformed bytes.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := unmarshal(b, &e); err != nil {
		if errors.Is(err, ErrDecode) {
			return &e, err
		}
		return &e, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &e, nil
}
