package txn

import (
	"bytes"
	"testing"

	"github.com/avaish/nanodb/internal/storage/pager"
)

func TestRecordMarshalRoundTrip(t *testing.T) {
	r := &Record{
		Type:        RecordUpdatePage,
		TxnID:       42,
		PrevLSN:     pager.LSN{FileNo: 1, Offset: 100},
		File:        "table_users.heap",
		PageNo:      3,
		PageOffset:  36,
		Before:      []byte("old-bytes"),
		After:       []byte("new-bytes!"),
		UndoNextLSN: pager.LSN{FileNo: 1, Offset: 50},
	}
	buf := marshal(r)
	got, err := unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != r.Type || got.TxnID != r.TxnID || got.PrevLSN != r.PrevLSN {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
	if got.File != r.File || got.PageNo != r.PageNo || got.PageOffset != r.PageOffset {
		t.Fatalf("round trip field mismatch: %+v vs %+v", got, r)
	}
	if !bytes.Equal(got.Before, r.Before) || !bytes.Equal(got.After, r.After) {
		t.Fatalf("round trip before/after mismatch: %+v vs %+v", got, r)
	}
	if got.UndoNextLSN != r.UndoNextLSN {
		t.Fatalf("UndoNextLSN mismatch: %v vs %v", got.UndoNextLSN, r.UndoNextLSN)
	}
}

func TestRecordUnmarshalDetectsCorruption(t *testing.T) {
	r := &Record{Type: RecordCommitTxn, TxnID: 1}
	buf := marshal(r)
	buf[2] ^= 0xFF
	if _, err := unmarshal(buf); err == nil {
		t.Fatal("expected unmarshal to detect a corrupted record")
	}
}

func TestRecordTypeString(t *testing.T) {
	if RecordUpdatePage.String() != "UPDATE_PAGE" {
		t.Errorf("String() = %q", RecordUpdatePage.String())
	}
	if RecordType(200).String() == "" {
		t.Error("expected a non-empty string for an unknown record type")
	}
}
