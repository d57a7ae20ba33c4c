package envelope

import "time"

// Instant is an ISO-8601 (RFC3339) wall-clock timestamp. It is distinct
// from time.Time so that the codec always writes timestamps as text,
// per the wire format's required type support, rather than falling back
// to msgpack's native binary timestamp extension.
type Instant time.Time

// Now returns the current time as an Instant.
func Now() Instant {
	return Instant(time.Now())
}

// At wraps an existing time.Time as an Instant.
func At(t time.Time) Instant {
	return Instant(t)
}

// Time returns the underlying time.Time value.
func (i Instant) Time() time.Time {
	return time.Time(i)
}

// IsZero reports whether the Instant is the zero value.
func (i Instant) IsZero() bool {
	return time.Time(i).IsZero()
}

// Before reports whether i occurs before o.
func (i Instant) Before(o Instant) bool {
	return time.Time(i).Before(time.Time(o))
}

// Add returns the Instant d later.
func (i Instant) Add(d time.Duration) Instant {
	return Instant(time.Time(i).Add(d))
}

// MarshalText implements encoding.TextMarshaler, writing RFC3339Nano text.
func (i Instant) MarshalText() ([]byte, error) {
	return []byte(time.Time(i).UTC().Format(time.RFC3339Nano)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Instant) UnmarshalText(text []byte) error {
	t, err := time.Parse(time.RFC3339Nano, string(text))
	if err != nil {
		return err
	}
	*i = Instant(t)
	return nil
}

func (i Instant) String() string {
	b, _ := i.MarshalText()
	return string(b)
}

// MarshalMsgpack implements msgpack.Marshaler, nesting the RFC3339Nano
// text inside the Instant extension tag so a decode into map[string]any
// (an Args map) keeps it an Instant rather than degrading to a plain
// string.
func (i Instant) MarshalMsgpack() ([]byte, error) {
	text, err := i.MarshalText()
	if err != nil {
		return nil, err
	}
	return marshal(string(text))
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (i *Instant) UnmarshalMsgpack(b []byte) error {
	var s string
	if err := unmarshal(b, &s); err != nil {
		return err
	}
	return i.UnmarshalText([]byte(s))
}

// Decimal is an arbitrary-precision decimal value represented in its
// canonical text form. tasq never performs arithmetic on decimals; it
// only carries them through the wire losslessly, so a plain string
// (rather than a big.Rat/big.Float) is the correct representation here.
type Decimal string

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(text []byte) error {
	*d = Decimal(text)
	return nil
}

func (d Decimal) String() string {
	return string(d)
}

// MarshalMsgpack implements msgpack.Marshaler, nesting the decimal's
// text form inside the Decimal extension tag so a decode into
// map[string]any (an Args map) keeps it a Decimal rather than degrading
// to a plain string.
func (d Decimal) MarshalMsgpack() ([]byte, error) {
	text, err := d.MarshalText()
	if err != nil {
		return nil, err
	}
	return marshal(string(text))
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (d *Decimal) UnmarshalMsgpack(b []byte) error {
	var s string
	if err := unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Set is an unordered collection of values, encoded on the wire as a
// sequence tagged distinctly from an ordinary ordered array so a decoder
// can tell the two apart. tasq does not deduplicate Set contents; callers
// are expected to hand it already-unique values.
type Set []any

// MarshalMsgpack implements msgpack.Marshaler, nesting a plain array
// payload inside the Set extension tag.
func (s Set) MarshalMsgpack() ([]byte, error) {
	return marshal([]any(s))
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (s *Set) UnmarshalMsgpack(b []byte) error {
	var arr []any
	if err := unmarshal(b, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}
