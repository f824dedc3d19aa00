// Package value implements the engine's scalar value domain: the closed set
// of dynamic types a column may hold, named collations, a total-order
// comparator, and a canonical byte encoding for primary keys.
package value

import "fmt"

// Kind is the dynamic type tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBytes
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Value is one of null, integer, real, text, bytes, or boolean.
// It is an immutable value type, cheap to copy and safe to share.
type Value struct {
	kind Kind
	i    int64
	r    float64
	s    string
	b    []byte
	bo   bool
}

// Null is the null value.
var Null = Value{kind: KindNull}

// Integer constructs an integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Real constructs a floating-point value.
func Real(r float64) Value { return Value{kind: KindReal, r: r} }

// Text constructs a text value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Bytes constructs a blob value. The slice is retained, not copied; callers
// must not mutate it afterward.
func Bytes(b []byte) Value { return Value{kind: KindBytes, b: b} }

// Boolean constructs a boolean value.
func Boolean(b bool) Value { return Value{kind: KindBoolean, bo: b} }

// Kind reports the value's dynamic type.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInteger returns the integer payload and whether v is an integer.
func (v Value) AsInteger() (int64, bool) { return v.i, v.kind == KindInteger }

// AsReal returns the real payload and whether v is a real.
func (v Value) AsReal() (float64, bool) { return v.r, v.kind == KindReal }

// AsText returns the text payload and whether v is text.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsBytes returns the blob payload and whether v is bytes.
func (v Value) AsBytes() ([]byte, bool) { return v.b, v.kind == KindBytes }

// AsBoolean returns the boolean payload and whether v is a boolean.
func (v Value) AsBoolean() (bool, bool) { return v.bo, v.kind == KindBoolean }

// String renders v for diagnostics; it is not a SQL literal form.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindReal:
		return fmt.Sprintf("%g", v.r)
	case KindText:
		return v.s
	case KindBytes:
		return fmt.Sprintf("x'%x'", v.b)
	case KindBoolean:
		return fmt.Sprintf("%t", v.bo)
	default:
		return "?"
	}
}

// Row is an ordered sequence of values whose arity equals its table's
// column count.
type Row []Value

// Clone returns a shallow copy of the row, safe to retain independently of
// the original slice's backing array.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Direction controls ordering for a key column: ascending or descending.
type Direction uint8

const (
	Asc Direction = iota
	Desc
)
