// Package heap implements the slotted-page heap table manager: tuple
// encoding, the data-page layout, the header page carrying schema and
// stats, and the table-level scan/insert/update/delete operations with
// row-event dispatch (so a B+Tree secondary index can keep itself in
// sync with heap mutations).
//
// Grounded on tinySQL's internal/storage package: row_codec.go for the
// binary-encoding idiom, slotted_page.go for the page layout, superblock.go
// for the fixed-field header idiom, and the scheduler's narrow-interface
// listener pattern for row-event dispatch.
package heap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ColumnType enumerates the fixed SQL types a table column may hold.
type ColumnType uint8

const (
	TypeTinyInt ColumnType = iota + 1
	TypeSmallInt
	TypeInteger
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeChar    // fixed-width, space-padded
	TypeVarChar // variable-width, length-prefixed
)

func (t ColumnType) String() string {
	switch t {
	case TypeTinyInt:
		return "TINYINT"
	case TypeSmallInt:
		return "SMALLINT"
	case TypeInteger:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeChar:
		return "CHAR"
	case TypeVarChar:
		return "VARCHAR"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// Column describes one fixed-schema column. Len is only meaningful for
// TypeChar/TypeVarChar, where it is the declared maximum width.
type Column struct {
	Name string
	Type ColumnType
	Len  uint16
}

// Schema is the ordered, fixed column list a table's tuples conform to.
type Schema struct {
	Columns []Column
}

// nullBitmapBytes returns how many bytes the NULL bitmap occupies for n columns.
func nullBitmapBytes(n int) int { return (n + 7) / 8 }

// Value is a single column's decoded value. A nil Value means SQL NULL.
type Value = any

// EncodeTuple packs vals (len must equal len(schema.Columns)) into the
// on-page tuple byte format:
//
//	[0:k]  NULL bitmap, k = ceil(numCols/8), bit i set means column i is NULL
//	then, for each non-NULL column in schema order:
//	  fixed-width types: the value in big-endian / IEEE-754 form
//	  CHAR(n): exactly n bytes, space-padded
//	  VARCHAR(n): a 2-byte length prefix followed by that many bytes
//
// Grounded on row_codec.go's per-value tag-then-payload idiom, but fixed
// to the table's schema instead of tagging each value's dynamic type —
// the schema is already known from the header page, so repeating a type
// tag per tuple would be pure overhead.
func EncodeTuple(schema *Schema, vals []Value) ([]byte, error) {
	if len(vals) != len(schema.Columns) {
		return nil, fmt.Errorf("heap: EncodeTuple: got %d values, schema has %d columns", len(vals), len(schema.Columns))
	}
	bitmapLen := nullBitmapBytes(len(schema.Columns))
	buf := make([]byte, bitmapLen)

	for i, col := range schema.Columns {
		v := vals[i]
		if v == nil {
			buf[i/8] |= 1 << uint(i%8)
			continue
		}
		enc, err := encodeColumnValue(col, v)
		if err != nil {
			return nil, fmt.Errorf("heap: column %q: %w", col.Name, err)
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func encodeColumnValue(col Column, v Value) ([]byte, error) {
	switch col.Type {
	case TypeTinyInt:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(int8(n))}, nil
	case TypeSmallInt:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(n)))
		return b, nil
	case TypeInteger:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(int32(n)))
		return b, nil
	case TypeBigInt:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(n))
		return b, nil
	case TypeFloat:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case TypeDouble:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
		return b, nil
	case TypeChar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("CHAR column needs a string, got %T", v)
		}
		if len(s) > int(col.Len) {
			return nil, fmt.Errorf("CHAR(%d): value too long (%d bytes)", col.Len, len(s))
		}
		b := make([]byte, col.Len)
		copy(b, s)
		for i := len(s); i < int(col.Len); i++ {
			b[i] = ' '
		}
		return b, nil
	case TypeVarChar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("VARCHAR column needs a string, got %T", v)
		}
		if len(s) > int(col.Len) {
			return nil, fmt.Errorf("VARCHAR(%d): value too long (%d bytes)", col.Len, len(s))
		}
		b := make([]byte, 2+len(s))
		binary.BigEndian.PutUint16(b[:2], uint16(len(s)))
		copy(b[2:], s)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown column type %v", col.Type)
	}
}

// DecodeTuple is the inverse of EncodeTuple.
func DecodeTuple(schema *Schema, data []byte) ([]Value, error) {
	bitmapLen := nullBitmapBytes(len(schema.Columns))
	if len(data) < bitmapLen {
		return nil, fmt.Errorf("heap: DecodeTuple: tuple shorter than NULL bitmap")
	}
	bitmap := data[:bitmapLen]
	p := data[bitmapLen:]

	vals := make([]Value, len(schema.Columns))
	for i, col := range schema.Columns {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			vals[i] = nil
			continue
		}
		v, rest, err := decodeColumnValue(col, p)
		if err != nil {
			return nil, fmt.Errorf("heap: column %q: %w", col.Name, err)
		}
		vals[i] = v
		p = rest
	}
	return vals, nil
}

func decodeColumnValue(col Column, p []byte) (Value, []byte, error) {
	need := func(n int) error {
		if len(p) < n {
			return fmt.Errorf("truncated tuple data: need %d bytes, have %d", n, len(p))
		}
		return nil
	}
	switch col.Type {
	case TypeTinyInt:
		if err := need(1); err != nil {
			return nil, nil, err
		}
		return int64(int8(p[0])), p[1:], nil
	case TypeSmallInt:
		if err := need(2); err != nil {
			return nil, nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(p[:2]))), p[2:], nil
	case TypeInteger:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(p[:4]))), p[4:], nil
	case TypeBigInt:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return int64(binary.BigEndian.Uint64(p[:8])), p[8:], nil
	case TypeFloat:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(p[:4]))), p[4:], nil
	case TypeDouble:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(p[:8])), p[8:], nil
	case TypeChar:
		if err := need(int(col.Len)); err != nil {
			return nil, nil, err
		}
		s := string(p[:col.Len])
		for len(s) > 0 && s[len(s)-1] == ' ' {
			s = s[:len(s)-1]
		}
		return s, p[col.Len:], nil
	case TypeVarChar:
		if err := need(2); err != nil {
			return nil, nil, err
		}
		n := binary.BigEndian.Uint16(p[:2])
		if err := need(2 + int(n)); err != nil {
			return nil, nil, err
		}
		return string(p[2 : 2+n]), p[2+int(n):], nil
	default:
		return nil, nil, fmt.Errorf("unknown column type %v", col.Type)
	}
}

func asInt64(v Value) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected an integer value, got %T", v)
	}
}

func asFloat64(v Value) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a floating-point value, got %T", v)
	}
}
