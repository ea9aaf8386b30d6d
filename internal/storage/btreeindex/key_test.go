package btreeindex

import (
	"bytes"
	"testing"

	"github.com/avaish/nanodb/internal/storage/heap"
)

func TestCompareIntegerOrdering(t *testing.T) {
	types := ColumnTypes{heap.TypeInteger}
	a := Key{Columns: []heap.Value{int64(-5)}, Ref: heap.TupleRef{PageNo: 1}}
	b := Key{Columns: []heap.Value{int64(3)}, Ref: heap.TupleRef{PageNo: 1}}
	if Compare(types, a, b) >= 0 {
		t.Fatal("expected -5 to compare less than 3")
	}
	if Compare(types, b, a) <= 0 {
		t.Fatal("expected 3 to compare greater than -5")
	}
	if Compare(types, a, a) != 0 {
		t.Fatal("expected equal keys to compare equal")
	}
}

func TestCompareFloatOrderingAcrossZero(t *testing.T) {
	types := ColumnTypes{heap.TypeDouble}
	neg := Key{Columns: []heap.Value{-1.5}}
	zero := Key{Columns: []heap.Value{0.0}}
	pos := Key{Columns: []heap.Value{2.25}}
	if Compare(types, neg, zero) >= 0 {
		t.Fatal("expected -1.5 < 0.0")
	}
	if Compare(types, zero, pos) >= 0 {
		t.Fatal("expected 0.0 < 2.25")
	}
	if Compare(types, neg, pos) >= 0 {
		t.Fatal("expected -1.5 < 2.25")
	}
}

func TestCompareStringOrdering(t *testing.T) {
	types := ColumnTypes{heap.TypeVarChar}
	a := Key{Columns: []heap.Value{"apple"}}
	b := Key{Columns: []heap.Value{"banana"}}
	if Compare(types, a, b) >= 0 {
		t.Fatal("expected \"apple\" < \"banana\"")
	}
}

func TestCompareNullsSortFirst(t *testing.T) {
	types := ColumnTypes{heap.TypeInteger}
	n := Key{Columns: []heap.Value{nil}}
	v := Key{Columns: []heap.Value{int64(-1000)}}
	if Compare(types, n, v) >= 0 {
		t.Fatal("expected NULL to sort before any non-NULL value, including negative ones")
	}
}

func TestCompareFallsBackToUniquifier(t *testing.T) {
	types := ColumnTypes{heap.TypeInteger}
	a := Key{Columns: []heap.Value{int64(1)}, Ref: heap.TupleRef{PageNo: 1, Slot: 0}}
	b := Key{Columns: []heap.Value{int64(1)}, Ref: heap.TupleRef{PageNo: 1, Slot: 1}}
	if Compare(types, a, b) >= 0 {
		t.Fatal("expected equal columns to tie-break on uniquifier slot")
	}
}

func TestEncodeOrderMatchesCompareOrder(t *testing.T) {
	types := ColumnTypes{heap.TypeInteger, heap.TypeVarChar}
	keys := []Key{
		{Columns: []heap.Value{int64(-10), "z"}, Ref: heap.TupleRef{PageNo: 1, Slot: 0}},
		{Columns: []heap.Value{int64(-10), "a"}, Ref: heap.TupleRef{PageNo: 1, Slot: 1}},
		{Columns: []heap.Value{int64(0), "m"}, Ref: heap.TupleRef{PageNo: 2, Slot: 0}},
		{Columns: []heap.Value{int64(5), "a"}, Ref: heap.TupleRef{PageNo: 3, Slot: 0}},
	}
	for i := 0; i < len(keys); i++ {
		for j := 0; j < len(keys); j++ {
			want := Compare(types, keys[i], keys[j])
			got := bytes.Compare(Encode(types, keys[i]), Encode(types, keys[j]))
			if sign(want) != sign(got) {
				t.Fatalf("Encode/bytes.Compare disagreed with Compare for (%d,%d): Compare=%d bytes.Compare=%d", i, j, want, got)
			}
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
