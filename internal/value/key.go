package value

import (
	"bytes"
	"encoding/binary"
	"math"
)

// PrimaryKey is either a single value or an ordered tuple that uniquely
// identifies a row in a table.
type PrimaryKey struct {
	Values []Value
}

// NewPrimaryKey builds a PrimaryKey from one or more values.
func NewPrimaryKey(vs ...Value) PrimaryKey { return PrimaryKey{Values: append([]Value(nil), vs...)} }

// KeySpec describes, per key column, the collation used for text comparison
// and the sort direction. It is supplied by the table schema.
type KeySpec struct {
	Collations []Collation
	Directions []Direction
}

// EncodedKey is a canonical, order-preserving byte encoding of a PrimaryKey:
// two equal keys (under spec) always encode identically, two unequal keys
// never collide, and bytes.Compare on the encoding agrees with Compare on
// the logical values (honoring direction and collation).
type EncodedKey string

// tag bytes for the encoded form; chosen so that, for same-kind values,
// byte comparison of the tag has no bearing (tag is constant within a
// kind) and numeric kinds share a tag so int/real interleave correctly.
const (
	tagNull    byte = 0x01
	tagNumeric byte = 0x02
	tagBool    byte = 0x03
	tagText    byte = 0x04
	tagBytes   byte = 0x05
)

// EncodeKey produces the canonical encoding of a primary key tuple.
// If spec is nil, binary collation and ascending direction are assumed for
// every column.
func EncodeKey(pk PrimaryKey, spec *KeySpec) EncodedKey {
	var buf bytes.Buffer
	for i, v := range pk.Values {
		collation := CollationBinary
		dir := Asc
		if spec != nil {
			if i < len(spec.Collations) {
				collation = spec.Collations[i]
			}
			if i < len(spec.Directions) {
				dir = spec.Directions[i]
			}
		}
		encodeElement(&buf, v, collation, dir)
	}
	return EncodedKey(buf.String())
}

func encodeElement(buf *bytes.Buffer, v Value, collation Collation, dir Direction) {
	start := buf.Len()
	switch v.Kind() {
	case KindNull:
		buf.WriteByte(tagNull)
	case KindInteger, KindReal:
		buf.WriteByte(tagNumeric)
		writeOrderedFloat(buf, numeric(v))
	case KindBoolean:
		buf.WriteByte(tagBool)
		b, _ := v.AsBoolean()
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindText:
		buf.WriteByte(tagText)
		s, _ := v.AsText()
		writeEscaped(buf, []byte(collation.normalize(s)))
	case KindBytes:
		buf.WriteByte(tagBytes)
		b, _ := v.AsBytes()
		writeEscaped(buf, b)
	}
	if dir == Desc {
		invert(buf.Bytes()[start:])
	}
}

// writeOrderedFloat writes an IEEE-754 big-endian encoding transformed so
// that unsigned byte comparison matches numeric order: for non-negative
// numbers the sign bit is set, for negative numbers every bit is flipped.
func writeOrderedFloat(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	buf.Write(tmp[:])
}

// writeEscaped appends b using the classic "memcomparable" escaping: 0x00
// bytes are escaped to 0x00 0xFF, and the value is terminated with 0x00
// 0x00. This keeps the encoding order-preserving (a prefix of another
// string still compares as less-than) while remaining unambiguous about
// element boundaries inside a composite key.
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// CompareEncoded compares two canonical key encodings; it agrees with
// Compare on the decoded values when both were encoded with the same spec.
func CompareEncoded(a, b EncodedKey) int {
	return cmpString(string(a), string(b))
}
