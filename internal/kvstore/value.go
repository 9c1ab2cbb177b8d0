package kvstore

import (
	"math"

	"github.com/cuemby/brook/internal/apperr"
)

// NumericKind tags which numeric sub-kind a Value carries.
type NumericKind uint8

const (
	KindInt64 NumericKind = iota
	KindUint64
	KindFloat64
)

// Numeric is a tagged numeric value preserving its sub-kind across
// operations: the stored kind follows whichever operand kind last
// wrote it.
type Numeric struct {
	Kind  NumericKind `msgpack:"kind"`
	I64   int64       `msgpack:"i64,omitempty"`
	U64   uint64      `msgpack:"u64,omitempty"`
	F64   float64     `msgpack:"f64,omitempty"`
}

func NumInt64(v int64) Numeric    { return Numeric{Kind: KindInt64, I64: v} }
func NumUint64(v uint64) Numeric  { return Numeric{Kind: KindUint64, U64: v} }
func NumFloat64(v float64) Numeric { return Numeric{Kind: KindFloat64, F64: v} }

// AsI64Lossy returns n coerced to int64. saturating clamps at the
// int64 bounds when converting from a larger unsigned range; otherwise
// the conversion wraps. Float conversion rounds to nearest, ties to
// even (Go's float-to-int conversion truncates, so we round first).
func (n Numeric) AsI64Lossy(saturating bool) int64 {
	switch n.Kind {
	case KindInt64:
		return n.I64
	case KindUint64:
		if saturating && n.U64 > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(n.U64)
	case KindFloat64:
		return int64(math.RoundToEven(n.F64))
	}
	return 0
}

// AsU64Lossy returns n coerced to uint64, following the same
// saturating/wrapping rule as AsI64Lossy.
func (n Numeric) AsU64Lossy(saturating bool) uint64 {
	switch n.Kind {
	case KindUint64:
		return n.U64
	case KindInt64:
		if saturating && n.I64 < 0 {
			return 0
		}
		return uint64(n.I64)
	case KindFloat64:
		if saturating && n.F64 < 0 {
			return 0
		}
		return uint64(math.RoundToEven(n.F64))
	}
	return 0
}

// AsF64Lossy returns n coerced to float64.
func (n Numeric) AsF64Lossy() float64 {
	switch n.Kind {
	case KindFloat64:
		return n.F64
	case KindInt64:
		return float64(n.I64)
	case KindUint64:
		return float64(n.U64)
	}
	return 0
}

// Value is a KV-stored value: either opaque bytes or a tagged numeric.
type Value struct {
	IsNumeric bool    `msgpack:"is_numeric"`
	Bytes     []byte  `msgpack:"bytes,omitempty"`
	Numeric   Numeric `msgpack:"numeric,omitempty"`
}

func BytesValue(b []byte) Value  { return Value{Bytes: b} }
func NumericValue(n Numeric) Value { return Value{IsNumeric: true, Numeric: n} }

// requireNumeric returns v's Numeric or a domain error if v is not
// numeric.
func requireNumeric(v Value) (Numeric, error) {
	if !v.IsNumeric {
		return Numeric{}, apperr.New(apperr.CodeDatabase, "type of stored value is not numeric")
	}
	return v.Numeric, nil
}

func add(existing, amount Numeric, saturating bool) Numeric {
	switch amount.Kind {
	case KindInt64:
		ev := existing.AsI64Lossy(saturating)
		if saturating {
			return NumInt64(saturatingAddI64(ev, amount.I64))
		}
		return NumInt64(ev + amount.I64)
	case KindUint64:
		ev := existing.AsU64Lossy(saturating)
		if saturating {
			return NumUint64(saturatingAddU64(ev, amount.U64))
		}
		return NumUint64(ev + amount.U64)
	default:
		return NumFloat64(existing.AsF64Lossy() + amount.F64)
	}
}

func sub(existing, amount Numeric, saturating bool) Numeric {
	switch amount.Kind {
	case KindInt64:
		ev := existing.AsI64Lossy(saturating)
		if saturating {
			return NumInt64(saturatingSubI64(ev, amount.I64))
		}
		return NumInt64(ev - amount.I64)
	case KindUint64:
		ev := existing.AsU64Lossy(saturating)
		if saturating {
			return NumUint64(saturatingSubU64(ev, amount.U64))
		}
		return NumUint64(ev - amount.U64)
	default:
		return NumFloat64(existing.AsF64Lossy() - amount.F64)
	}
}

func saturatingAddI64(a, b int64) int64 {
	sum := a + b
	if b > 0 && sum < a {
		return math.MaxInt64
	}
	if b < 0 && sum > a {
		return math.MinInt64
	}
	return sum
}

func saturatingSubI64(a, b int64) int64 {
	diff := a - b
	if b < 0 && diff < a {
		return math.MaxInt64
	}
	if b > 0 && diff > a {
		return math.MinInt64
	}
	return diff
}

func saturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}

func saturatingSubU64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
