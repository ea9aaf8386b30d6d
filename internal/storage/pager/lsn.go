package pager

import "fmt"

// LSN is a Log Sequence Number: a position in the write-ahead log,
// represented as a (fileNo, fileOffset) pair so that the WAL can roll over
// multiple files without the offset ever overflowing a single counter.
// RecordSize carries the length of the record the LSN names, which lets
// forceWAL compute how far into the next page it must flush.
//
// Generalized from the teacher's scalar `type LSN uint64` (pager/page.go)
// since SPEC_FULL §4.3 requires LSNs to be comparable across WAL file
// rollover, not just within one ever-growing file.
type LSN struct {
	FileNo     uint32
	Offset     uint32
	RecordSize uint32
}

// ZeroLSN is the LSN that precedes every real record.
var ZeroLSN = LSN{}

// Less reports whether l sorts strictly before other.
func (l LSN) Less(other LSN) bool {
	if l.FileNo != other.FileNo {
		return l.FileNo < other.FileNo
	}
	return l.Offset < other.Offset
}

// LessEq reports whether l sorts at or before other.
func (l LSN) LessEq(other LSN) bool {
	return l == other || l.Less(other)
}

// Greater reports whether l sorts strictly after other.
func (l LSN) Greater(other LSN) bool { return other.Less(l) }

// End returns the LSN offset immediately past this record.
func (l LSN) End() LSN {
	return LSN{FileNo: l.FileNo, Offset: l.Offset + l.RecordSize}
}

func (l LSN) String() string {
	return fmt.Sprintf("(%d:%d+%d)", l.FileNo, l.Offset, l.RecordSize)
}
