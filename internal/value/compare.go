package value

// kindRank orders distinct Kinds relative to each other when two values of
// different kinds must still be placed in a single total order (composite
// keys may mix kinds across rows only in pathological schemas; the engine
// never relies on cross-kind ordering for correctness of a single-typed PK
// column, but the comparator must still be total to back an ordered map).
func kindRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindInteger, KindReal:
		return 1
	case KindBoolean:
		return 2
	case KindText:
		return 3
	case KindBytes:
		return 4
	default:
		return 5
	}
}

// Compare returns -1, 0, or 1 for the key-ordering comparison of a and b
// under the given collation (collation only affects text/text comparisons).
// Null orders below every non-null value; null compares equal to null. This
// is the ordering used for key comparison and range scans (§3: "null orders
// below all non-null"), not SQL's three-valued equality — see Equal.
func Compare(a, b Value, collation Collation) int {
	if a.kind == KindNull && b.kind == KindNull {
		return 0
	}
	if a.kind == KindNull {
		return -1
	}
	if b.kind == KindNull {
		return 1
	}

	if (a.kind == KindInteger || a.kind == KindReal) && (b.kind == KindInteger || b.kind == KindReal) {
		av, bv := numeric(a), numeric(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			// Equal numerically: integer and real share one kind rank, so
			// this returns 0, matching their shared key encoding.
			return cmpInt(kindRank(a.kind), kindRank(b.kind))
		}
	}

	if a.kind != b.kind {
		return cmpInt(kindRank(a.kind), kindRank(b.kind))
	}

	switch a.kind {
	case KindText:
		as, bs := collation.normalize(a.s), collation.normalize(b.s)
		return cmpString(as, bs)
	case KindBytes:
		return cmpBytes(a.b, b.b)
	case KindBoolean:
		return cmpInt(boolToInt(a.bo), boolToInt(b.bo))
	default:
		return 0
	}
}

// Equal implements SQL equality: null is never equal to anything, including
// another null ("null≠null for equality"). ok is false whenever either
// operand is null, signaling the SQL-UNKNOWN result; the caller decides how
// to treat UNKNOWN (normally as not-matching in a WHERE clause).
func Equal(a, b Value, collation Collation) (equal bool, ok bool) {
	if a.kind == KindNull || b.kind == KindNull {
		return false, false
	}
	return Compare(a, b, collation) == 0, true
}

func numeric(v Value) float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.r
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return cmpInt(len(a), len(b))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
