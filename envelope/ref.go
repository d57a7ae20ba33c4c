package envelope

import "fmt"

// Ref is a reference envelope: a tagged argument value that names an
// external record by primary key instead of embedding it. A resolver
// materializes the referenced record immediately before a handler runs,
// keeping dispatched payloads small while handlers still see fresh data.
type Ref struct {
	ClassPath  string
	PrimaryKey any
}

// MarshalMsgpack implements msgpack.Marshaler.
func (r Ref) MarshalMsgpack() ([]byte, error) {
	return marshal([]any{r.ClassPath, r.PrimaryKey})
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (r *Ref) UnmarshalMsgpack(b []byte) error {
	var parts []any
	if err := unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("envelope: malformed ref: expected 2 fields, got %d", len(parts))
	}
	classPath, ok := parts[0].(string)
	if !ok {
		return fmt.Errorf("envelope: malformed ref: class_path is not a string")
	}
	r.ClassPath = classPath
	r.PrimaryKey = parts[1]
	return nil
}

// ErrCarrier serializes a prior attempt's failure so a retried handler
// can inspect what went wrong last time, without tasq needing to
// understand arbitrary user exception types.
type ErrCarrier struct {
	Kind      string
	Message   string
	Retryable bool
}

// NewErrCarrier builds an ErrCarrier from a Go error.
func NewErrCarrier(kind string, err error, retryable bool) ErrCarrier {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrCarrier{Kind: kind, Message: msg, Retryable: retryable}
}

// Error implements the error interface so an ErrCarrier can be handled
// like any other Go error by code that doesn't care about its origin.
func (e ErrCarrier) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MarshalMsgpack implements msgpack.Marshaler.
func (e ErrCarrier) MarshalMsgpack() ([]byte, error) {
	return marshal(map[string]any{
		"kind":      e.Kind,
		"message":   e.Message,
		"retryable": e.Retryable,
	})
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (e *ErrCarrier) UnmarshalMsgpack(b []byte) error {
	var m map[string]any
	if err := unmarshal(b, &m); err != nil {
		return err
	}
	if kind, ok := m["kind"].(string); ok {
		e.Kind = kind
	}
	if msg, ok := m["message"].(string); ok {
		e.Message = msg
	}
	if retryable, ok := m["retryable"].(bool); ok {
		e.Retryable = retryable
	}
	return nil
}
