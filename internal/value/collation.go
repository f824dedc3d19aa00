package value

import "strings"

// Collation names a text-comparison rule. The set is closed: there is no
// registry for custom collations, and any other name behaves as binary.
type Collation string

const (
	// CollationBinary compares text byte-for-byte. This is the default.
	CollationBinary Collation = "binary"
	// CollationNoCase compares text case-insensitively (Unicode upper-case
	// mapping via strings.ToUpper).
	CollationNoCase Collation = "nocase"
	// CollationRTrim compares text after stripping trailing whitespace.
	CollationRTrim Collation = "rtrim"
)

// normalize applies the collation's transform to a text value before
// byte comparison or encoding.
func (c Collation) normalize(s string) string {
	switch c {
	case CollationNoCase:
		return strings.ToUpper(s)
	case CollationRTrim:
		return strings.TrimRight(s, " \t\n\r\v\f")
	default:
		return s
	}
}
