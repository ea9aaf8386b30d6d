// Package txn implements the Transaction Manager: ARIES-style write-ahead
// logging, transaction bookkeeping, and crash recovery (redo, then undo
// of losers with compensation log records).
//
// What: START_TXN/UPDATE_PAGE/COMMIT_TXN/ABORT_TXN/CLR/END_TXN records,
// an append-only WAL file, begin/commit/rollback, forceWAL, and Recover.
// How: every record carries its own LSN-implicit position (file offset)
// and a CRC32; UPDATE_PAGE carries a byte range (offset+before+after),
// so a caller can log just the bytes it changed.
// The heap and B+Tree layers pass whole page images at offset 0, so each
// of their updates logs a full before and after image of the page; no
// caller in this module logs a partial byte range.
//
// Grounded on tinySQL's pager/wal.go (WALRecord/WALRecordType enum,
// marshalWALRecord/unmarshalWALRecord/ReadAllRecords), generalized from
// its PAGE_IMAGE-only record (whole before/after page) to a byte-range
// UPDATE_PAGE record plus an explicit CLR type for ARIES-style undo.
package txn

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// RecordType identifies the kind of a WAL record.
type RecordType uint8

const (
	RecordInvalid RecordType = iota
	RecordStartTxn
	RecordUpdatePage
	RecordCommitTxn
	RecordAbortTxn
	RecordCLR
	RecordEndTxn
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordStartTxn:
		return "START_TXN"
	case RecordUpdatePage:
		return "UPDATE_PAGE"
	case RecordCommitTxn:
		return "COMMIT_TXN"
	case RecordAbortTxn:
		return "ABORT_TXN"
	case RecordCLR:
		return "CLR"
	case RecordEndTxn:
		return "END_TXN"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is a single WAL log record. LSN is assigned when the record is
// appended and is not marshaled on disk — it is derived from the record's
// own file offset.
type Record struct {
	LSN     pager.LSN
	Type    RecordType
	TxnID   uint32
	PrevLSN pager.LSN // this transaction's previous record, for chained undo

	// UPDATE_PAGE / CLR fields.
	File       string
	PageNo     uint32
	PageOffset uint16
	Before     []byte
	After      []byte

	// CLR-only: the LSN to continue undo from next, i.e. the PrevLSN of
	// the UPDATE_PAGE record this CLR compensates for.
	UndoNextLSN pager.LSN
}

// marshal encodes r into a self-contained byte slice:
//
//	[0:1]   Type
//	[1:5]   TxnID
//	[5:13]  PrevLSN.FileNo/Offset
//	[13:15] len(File)
//	[15:..] File bytes
//	...     PageNo, PageOffset, len(Before), Before, len(After), After
//	...     UndoNextLSN.FileNo/Offset
//	[-4:]   CRC32-C of everything before it
func marshal(r *Record) []byte {
	buf := make([]byte, 0, 64+len(r.Before)+len(r.After)+len(r.File))
	buf = append(buf, byte(r.Type))
	buf = appendU32(buf, r.TxnID)
	buf = appendU32(buf, r.PrevLSN.FileNo)
	buf = appendU32(buf, r.PrevLSN.Offset)
	buf = appendU16(buf, uint16(len(r.File)))
	buf = append(buf, r.File...)
	buf = appendU32(buf, r.PageNo)
	buf = appendU16(buf, r.PageOffset)
	buf = appendU16(buf, uint16(len(r.Before)))
	buf = append(buf, r.Before...)
	buf = appendU16(buf, uint16(len(r.After)))
	buf = append(buf, r.After...)
	buf = appendU32(buf, r.UndoNextLSN.FileNo)
	buf = appendU32(buf, r.UndoNextLSN.Offset)

	crc := crc32.Checksum(buf, crc32.MakeTable(crc32.Castagnoli))
	buf = appendU32(buf, crc)
	return buf
}

// unmarshal decodes a record body (without its length prefix) and verifies
// its CRC. The returned record's LSN is left zero; callers fill it in from
// the record's file position.
func unmarshal(buf []byte) (*Record, error) {
	if len(buf) < 1+4+8+2+4+2+2+2+4+4 {
		return nil, fmt.Errorf("txn: WAL record too short (%d bytes)", len(buf))
	}
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	body := buf[:len(buf)-4]
	computed := crc32.Checksum(body, crc32.MakeTable(crc32.Castagnoli))
	if stored != computed {
		return nil, fmt.Errorf("txn: WAL record CRC mismatch: stored=%08x computed=%08x", stored, computed)
	}

	r := &Record{}
	p := body
	r.Type = RecordType(p[0])
	p = p[1:]
	r.TxnID, p = takeU32(p)
	var fn, off uint32
	fn, p = takeU32(p)
	off, p = takeU32(p)
	r.PrevLSN = pager.LSN{FileNo: fn, Offset: off}
	var nameLen uint16
	nameLen, p = takeU16(p)
	r.File = string(p[:nameLen])
	p = p[nameLen:]
	r.PageNo, p = takeU32(p)
	r.PageOffset, p = takeU16(p)
	var beforeLen uint16
	beforeLen, p = takeU16(p)
	r.Before = append([]byte(nil), p[:beforeLen]...)
	p = p[beforeLen:]
	var afterLen uint16
	afterLen, p = takeU16(p)
	r.After = append([]byte(nil), p[:afterLen]...)
	p = p[afterLen:]
	fn, p = takeU32(p)
	off, p = takeU32(p)
	r.UndoNextLSN = pager.LSN{FileNo: fn, Offset: off}
	return r, nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
func takeU16(b []byte) (uint16, []byte) { return binary.BigEndian.Uint16(b[:2]), b[2:] }
func takeU32(b []byte) (uint32, []byte) { return binary.BigEndian.Uint32(b[:4]), b[4:] }
