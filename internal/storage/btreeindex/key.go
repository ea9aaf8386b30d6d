// Package btreeindex implements a B+Tree secondary index over one or
// more heap-table columns. Every index key is a composite of the
// indexed column values followed by the indexed row's TupleRef, the
// "uniquifier" — so the tree has a total order even when two rows share
// the same indexed column values.
//
// Grounded on tinySQL's pager/btree_page.go and pager/btree.go (the
// internal/leaf record layouts and the Get/Insert/Delete/ScanRange
// algorithms), generalized throughout from opaque bytes.Compare keys to
// column-aware comparison and from an immediate-split insert policy to
// one that tries sibling relocation first.
package btreeindex

import (
	"bytes"
	"fmt"
	"math"

	"github.com/avaish/nanodb/internal/storage/heap"
)

// Key is a composite index key: the indexed column values, in index
// column order, plus the uniquifying TupleRef of the row it names.
type Key struct {
	Columns []heap.Value
	Ref     heap.TupleRef
}

// ColumnTypes describes the type of each indexed column, needed to
// compare encoded key bytes without decoding them back to Go values.
type ColumnTypes []heap.ColumnType

// Compare orders two keys column-wise, NULL sorting before any non-NULL
// value in a column (nulls-first), falling back to the uniquifier only
// once every column compares equal.
//
// Generalized from btree_page.go's bytes.Compare(key, key), which cannot
// express "NULL orders before everything else" or "compare this column
// numerically, not byte-wise" — both of which a real column-typed index
// needs.
func Compare(types ColumnTypes, a, b Key) int {
	for i := range types {
		c := compareValue(types[i], a.Columns[i], b.Columns[i])
		if c != 0 {
			return c
		}
	}
	if a.Ref.PageNo != b.Ref.PageNo {
		if a.Ref.PageNo < b.Ref.PageNo {
			return -1
		}
		return 1
	}
	if a.Ref.Slot != b.Ref.Slot {
		if a.Ref.Slot < b.Ref.Slot {
			return -1
		}
		return 1
	}
	return 0
}

func compareValue(t heap.ColumnType, a, b heap.Value) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch t {
	case heap.TypeTinyInt, heap.TypeSmallInt, heap.TypeInteger, heap.TypeBigInt:
		av, bv := a.(int64), b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case heap.TypeFloat, heap.TypeDouble:
		av, bv := a.(float64), b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case heap.TypeChar, heap.TypeVarChar:
		return bytes.Compare([]byte(a.(string)), []byte(b.(string)))
	default:
		panic(fmt.Sprintf("btreeindex: unsupported key column type %v", t))
	}
}

// Encode serializes a Key to a byte string whose bytewise order matches
// Compare's ordering, for use as the on-page sort key. Each column is
// prefixed with a 1-byte NULL flag; fixed-width numerics are stored
// sign-flipped big-endian so bytewise comparison matches numeric order;
// strings are written byte by byte with every 0x00 escaped as 0x00 0xFF
// and terminated by 0x00 0x00, so a string sorts before any longer string
// it is a prefix of.
func Encode(types ColumnTypes, k Key) []byte {
	var buf []byte
	for i, t := range types {
		v := k.Columns[i]
		if v == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = append(buf, encodeOrderedValue(t, v)...)
	}
	var tail [6]byte
	tail[0] = byte(k.Ref.PageNo >> 24)
	tail[1] = byte(k.Ref.PageNo >> 16)
	tail[2] = byte(k.Ref.PageNo >> 8)
	tail[3] = byte(k.Ref.PageNo)
	tail[4] = byte(k.Ref.Slot >> 8)
	tail[5] = byte(k.Ref.Slot)
	return append(buf, tail[:]...)
}

func encodeOrderedValue(t heap.ColumnType, v heap.Value) []byte {
	switch t {
	case heap.TypeTinyInt, heap.TypeSmallInt, heap.TypeInteger, heap.TypeBigInt:
		n := uint64(v.(int64)) ^ (1 << 63) // flip sign bit so two's-complement order matches unsigned bytewise order
		return []byte{byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32), byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	case heap.TypeFloat, heap.TypeDouble:
		bits := float64bits(v.(float64))
		return []byte{byte(bits >> 56), byte(bits >> 48), byte(bits >> 40), byte(bits >> 32), byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
	case heap.TypeChar, heap.TypeVarChar:
		s := v.(string)
		out := make([]byte, 0, len(s)+2)
		for i := 0; i < len(s); i++ {
			out = append(out, s[i])
			if s[i] == 0 {
				out = append(out, 0xFF)
			}
		}
		return append(out, 0, 0)
	default:
		panic(fmt.Sprintf("btreeindex: unsupported key column type %v", t))
	}
}

// float64bits returns an ordered bit pattern for f: positive floats flip
// the sign bit, negative floats flip every bit, which makes IEEE-754
// bytewise order match numeric order including across the zero/sign
// boundary.
func float64bits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}
