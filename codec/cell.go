// Cell encoding used by the JSONL row store.

package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/maruel/ormdb/internal/errors"
)

// Non-finite floats have no JSON number form and are stored as strings.
const (
	cellNaN    = "NaN"
	cellPosInf = "+Inf"
	cellNegInf = "-Inf"
)

// EncodeCell returns the JSON cell representation of v.
//
//   - text: JSON string; text that is not valid UTF-8 is rejected
//   - bytes: standard base64 in a JSON string
//   - int64: JSON integer
//   - float64: shortest round-trip JSON number, or "NaN", "+Inf", "-Inf"
//   - bool: JSON true or false
func EncodeCell(v Value) (json.RawMessage, error) {
	switch v.kind {
	case Text:
		// json.Marshal would replace invalid bytes with U+FFFD.
		if !utf8.ValidString(v.s) {
			return nil, errors.New(errors.KindInvalidRecord, "text is not valid UTF-8").
				WithDetail("value", strconv.Quote(v.s))
		}
		return json.Marshal(v.s)
	case Bytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.b))
	case Int64:
		return json.RawMessage(strconv.FormatInt(v.i, 10)), nil
	case Float64:
		switch {
		case math.IsNaN(v.f):
			return json.Marshal(cellNaN)
		case math.IsInf(v.f, 1):
			return json.Marshal(cellPosInf)
		case math.IsInf(v.f, -1):
			return json.Marshal(cellNegInf)
		}
		return json.RawMessage(strconv.FormatFloat(v.f, 'g', -1, 64)), nil
	case Bool:
		return json.RawMessage(strconv.FormatBool(v.t)), nil
	default:
		return nil, errors.Newf(errors.KindSchemaMismatch, "cannot encode %s value", v.kind)
	}
}

// DecodeCell parses a JSON cell as a value of kind k. A cell whose JSON shape
// does not match k fails with a schema mismatch; nothing is coerced.
func DecodeCell(k Kind, cell json.RawMessage) (Value, error) {
	cell = bytes.TrimSpace(cell)
	if len(cell) == 0 {
		return Value{}, mismatch(k, "empty cell")
	}
	switch k {
	case Text:
		if cell[0] != '"' {
			return Value{}, mismatch(k, "not a string")
		}
		var s string
		if err := json.Unmarshal(cell, &s); err != nil {
			return Value{}, mismatch(k, err.Error())
		}
		return TextValue(s), nil
	case Bytes:
		if cell[0] != '"' {
			return Value{}, mismatch(k, "not a base64 string")
		}
		var s string
		if err := json.Unmarshal(cell, &s); err != nil {
			return Value{}, mismatch(k, err.Error())
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, mismatch(k, err.Error())
		}
		return Value{kind: Bytes, b: b[:len(b):len(b)]}, nil
	case Int64:
		i, err := strconv.ParseInt(string(cell), 10, 64)
		if err != nil {
			return Value{}, mismatch(k, "not an integer")
		}
		return Int64Value(i), nil
	case Float64:
		if cell[0] == '"' {
			var s string
			if err := json.Unmarshal(cell, &s); err != nil {
				return Value{}, mismatch(k, err.Error())
			}
			switch s {
			case cellNaN:
				return Float64Value(math.NaN()), nil
			case cellPosInf:
				return Float64Value(math.Inf(1)), nil
			case cellNegInf:
				return Float64Value(math.Inf(-1)), nil
			}
			return Value{}, mismatch(k, "not a number")
		}
		if cell[0] != '-' && (cell[0] < '0' || cell[0] > '9') {
			return Value{}, mismatch(k, "not a number")
		}
		f, err := strconv.ParseFloat(string(cell), 64)
		if err != nil {
			return Value{}, mismatch(k, "not a number")
		}
		return Float64Value(f), nil
	case Bool:
		switch string(cell) {
		case "true":
			return BoolValue(true), nil
		case "false":
			return BoolValue(false), nil
		}
		return Value{}, mismatch(k, "not a boolean")
	default:
		return Value{}, errors.Newf(errors.KindSchemaMismatch, "cannot decode %s cell", k)
	}
}

// EncodeRow encodes values against kinds, checking that each value has the
// kind of its column.
func EncodeRow(kinds []Kind, values []Value) ([]json.RawMessage, error) {
	if len(kinds) != len(values) {
		return nil, errors.Newf(errors.KindSchemaMismatch, "row has %d values, want %d", len(values), len(kinds))
	}
	cells := make([]json.RawMessage, len(values))
	for i, v := range values {
		if v.kind != kinds[i] {
			return nil, errors.Newf(errors.KindSchemaMismatch, "column %d: value is %s, not %s", i, v.kind, kinds[i]).
				WithDetail("column", i).
				WithDetail("expected", kinds[i].String()).
				WithDetail("got", v.kind.String())
		}
		c, err := EncodeCell(v)
		if err != nil {
			return nil, err
		}
		cells[i] = c
	}
	return cells, nil
}

// DecodeRow decodes cells against kinds.
func DecodeRow(kinds []Kind, cells []json.RawMessage) ([]Value, error) {
	if len(kinds) != len(cells) {
		return nil, errors.Newf(errors.KindSchemaMismatch, "row has %d cells, want %d", len(cells), len(kinds))
	}
	values := make([]Value, len(cells))
	for i, c := range cells {
		v, err := DecodeCell(kinds[i], c)
		if err != nil {
			if e, ok := err.(*errors.Error); ok {
				e.WithDetail("column", i)
			}
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func mismatch(k Kind, reason string) *errors.Error {
	return errors.Newf(errors.KindSchemaMismatch, "cell is not %s: %s", k, reason).
		WithDetail("expected", k.String())
}
