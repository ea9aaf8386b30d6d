package heap

import (
	"reflect"
	"testing"
)

func testSchema() *Schema {
	return &Schema{Columns: []Column{
		{Name: "id", Type: TypeInteger},
		{Name: "score", Type: TypeDouble},
		{Name: "name", Type: TypeVarChar, Len: 32},
		{Name: "tag", Type: TypeChar, Len: 4},
		{Name: "big", Type: TypeBigInt},
	}}
}

func TestEncodeDecodeTupleRoundTrip(t *testing.T) {
	schema := testSchema()
	vals := []Value{int64(7), 3.5, "hello", "ab", int64(-9000)}

	enc, err := EncodeTuple(schema, vals)
	if err != nil {
		t.Fatalf("EncodeTuple: %v", err)
	}
	dec, err := DecodeTuple(schema, enc)
	if err != nil {
		t.Fatalf("DecodeTuple: %v", err)
	}
	if !reflect.DeepEqual(dec, vals) {
		t.Fatalf("round trip = %#v, want %#v", dec, vals)
	}
}

func TestEncodeDecodeTupleWithNulls(t *testing.T) {
	schema := testSchema()
	vals := []Value{int64(1), nil, nil, "xy", int64(0)}

	enc, err := EncodeTuple(schema, vals)
	if err != nil {
		t.Fatalf("EncodeTuple: %v", err)
	}
	dec, err := DecodeTuple(schema, enc)
	if err != nil {
		t.Fatalf("DecodeTuple: %v", err)
	}
	if !reflect.DeepEqual(dec, vals) {
		t.Fatalf("round trip with NULLs = %#v, want %#v", dec, vals)
	}
}

func TestEncodeTupleWrongArity(t *testing.T) {
	schema := testSchema()
	if _, err := EncodeTuple(schema, []Value{int64(1)}); err == nil {
		t.Fatal("expected EncodeTuple to reject a value count mismatch")
	}
}

func TestEncodeTupleCharTooLong(t *testing.T) {
	schema := &Schema{Columns: []Column{{Name: "c", Type: TypeChar, Len: 2}}}
	if _, err := EncodeTuple(schema, []Value{"toolong"}); err == nil {
		t.Fatal("expected EncodeTuple to reject an over-length CHAR value")
	}
}

func TestCharValueTrimsTrailingSpaces(t *testing.T) {
	schema := &Schema{Columns: []Column{{Name: "c", Type: TypeChar, Len: 5}}}
	enc, err := EncodeTuple(schema, []Value{"hi"})
	if err != nil {
		t.Fatalf("EncodeTuple: %v", err)
	}
	dec, err := DecodeTuple(schema, enc)
	if err != nil {
		t.Fatalf("DecodeTuple: %v", err)
	}
	if dec[0] != "hi" {
		t.Fatalf("decoded CHAR value = %q, want %q", dec[0], "hi")
	}
}

func TestColumnTypeString(t *testing.T) {
	if TypeVarChar.String() != "VARCHAR" {
		t.Errorf("String() = %q", TypeVarChar.String())
	}
}
