// Package codec converts between the supported scalar field kinds and the
// cell representation persisted by the row store.
//
// Five kinds are supported: text, bytes, int64, float64 and bool. Values never
// change kind implicitly; reading a value as the wrong kind, or decoding a cell
// whose shape does not match its column kind, is a schema mismatch.
package codec

import (
	"bytes"
	"fmt"

	"github.com/maruel/ormdb/internal/errors"
)

// Kind is the storage kind of a column.
type Kind int

const (
	// Text stores UTF-8 strings.
	Text Kind = iota + 1
	// Bytes stores opaque byte sequences.
	Bytes
	// Int64 stores signed 64-bit integers.
	Int64
	// Float64 stores IEEE-754 double precision numbers.
	Float64
	// Bool stores booleans.
	Bool
)

var kindNames = [...]string{
	Text:    "text",
	Bytes:   "bytes",
	Int64:   "int64",
	Float64: "float64",
	Bool:    "bool",
}

// String returns the name used in table schema headers.
func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	return k >= Text && k <= Bool
}

// ParseKind returns the Kind for a schema header name.
func ParseKind(s string) (Kind, error) {
	for k := Text; k <= Bool; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, errors.Newf(errors.KindSchemaMismatch, "unknown column kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid column kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is a single field value tagged with its kind. The zero Value is
// invalid.
type Value struct {
	kind Kind
	s    string
	b    []byte
	i    int64
	f    float64
	t    bool
}

// TextValue returns a text Value.
func TextValue(s string) Value { return Value{kind: Text, s: s} }

// BytesValue returns a bytes Value. The slice is copied; nil is stored as an
// empty sequence.
func BytesValue(b []byte) Value {
	c := make([]byte, len(b))
	copy(c, b)
	return Value{kind: Bytes, b: c}
}

// Int64Value returns an int64 Value.
func Int64Value(i int64) Value { return Value{kind: Int64, i: i} }

// Float64Value returns a float64 Value.
func Float64Value(f float64) Value { return Value{kind: Float64, f: f} }

// BoolValue returns a bool Value.
func BoolValue(v bool) Value { return Value{kind: Bool, t: v} }

// Kind returns the kind of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Text returns the string held by a text Value.
func (v Value) Text() (string, error) {
	if err := v.expect(Text); err != nil {
		return "", err
	}
	return v.s, nil
}

// Bytes returns a copy of the bytes held by a bytes Value. The result is never
// nil.
func (v Value) Bytes() ([]byte, error) {
	if err := v.expect(Bytes); err != nil {
		return nil, err
	}
	c := make([]byte, len(v.b))
	copy(c, v.b)
	return c, nil
}

// Int64 returns the integer held by an int64 Value.
func (v Value) Int64() (int64, error) {
	if err := v.expect(Int64); err != nil {
		return 0, err
	}
	return v.i, nil
}

// Float64 returns the number held by a float64 Value.
func (v Value) Float64() (float64, error) {
	if err := v.expect(Float64); err != nil {
		return 0, err
	}
	return v.f, nil
}

// Bool returns the boolean held by a bool Value.
func (v Value) Bool() (bool, error) {
	if err := v.expect(Bool); err != nil {
		return false, err
	}
	return v.t, nil
}

// Equal reports whether two values have the same kind and content. NaN equals
// NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Text:
		return v.s == o.s
	case Bytes:
		return bytes.Equal(v.b, o.b)
	case Int64:
		return v.i == o.i
	case Float64:
		return v.f == o.f || (v.f != v.f && o.f != o.f)
	case Bool:
		return v.t == o.t
	default:
		return true
	}
}

// String returns a human readable form, for logs and the CLI.
func (v Value) String() string {
	switch v.kind {
	case Text:
		return fmt.Sprintf("%q", v.s)
	case Bytes:
		return fmt.Sprintf("%x", v.b)
	case Int64:
		return fmt.Sprintf("%d", v.i)
	case Float64:
		return fmt.Sprintf("%g", v.f)
	case Bool:
		return fmt.Sprintf("%t", v.t)
	default:
		return "<invalid>"
	}
}

func (v Value) expect(k Kind) error {
	if v.kind == k {
		return nil
	}
	return errors.Newf(errors.KindSchemaMismatch, "value is %s, not %s", v.kind, k).
		WithDetail("expected", k.String()).
		WithDetail("got", v.kind.String())
}
