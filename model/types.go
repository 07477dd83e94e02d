package model

import (
	"fmt"
	"strings"
)

// PrimaryKey is the ordered tuple of column values identifying a logical
// record across segments. Order is part of the identity: reordering the same
// values yields a different key.
//
// The codec package supports int, int32, int64, float32, float64, string,
// []byte and bool components; validation of key arity and component types is
// a precondition owned by the ingestion layer.
type PrimaryKey []any

// String returns a human-readable form for logging.
func (pk PrimaryKey) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range pk {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%v", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// ComparisonValue is the per-record scalar used to decide which copy of a
// primary key is newest. The comparison column may be typed int, long, float
// or double depending on the table schema, so the value carries a tag:
// integer pairs compare exactly, mixed pairs widen to float64.
type ComparisonValue struct {
	i     int64
	f     float64
	isInt bool
}

// Int returns an integer-tagged comparison value.
func Int(v int64) ComparisonValue {
	return ComparisonValue{i: v, isInt: true}
}

// Float returns a float-tagged comparison value.
func Float(v float64) ComparisonValue {
	return ComparisonValue{f: v}
}

// Float64 returns the value widened to float64. This is the representation
// used for the partition watermark and TTL cutoffs.
func (v ComparisonValue) Float64() float64 {
	if v.isInt {
		return float64(v.i)
	}
	return v.f
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v ComparisonValue) Compare(o ComparisonValue) int {
	if v.isInt && o.isInt {
		switch {
		case v.i < o.i:
			return -1
		case v.i > o.i:
			return 1
		default:
			return 0
		}
	}
	a, b := v.Float64(), o.Float64()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String returns a human-readable form for logging.
func (v ComparisonValue) String() string {
	if v.isInt {
		return fmt.Sprintf("%d", v.i)
	}
	return fmt.Sprintf("%g", v.f)
}

// RecordInfo is one element of a record sequence: the upsert-relevant view of
// a single row of a segment.
type RecordInfo struct {
	PrimaryKey      PrimaryKey
	DocID           uint32
	ComparisonValue ComparisonValue

	// Deleted marks a soft-delete record: it still wins upserts but is
	// excluded from the queryability bitmap.
	Deleted bool
}
