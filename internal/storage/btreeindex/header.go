package btreeindex

import (
	"encoding/binary"
	"fmt"

	"github.com/avaish/nanodb/internal/storage/heap"
	"github.com/avaish/nanodb/internal/storage/pager"
)

// Header is the B+Tree index file's page 0: the root pointer, the head
// of the free-page list, and the indexed columns' types (needed to
// interpret encoded keys' sign/length conventions, though comparison
// itself works on the encoded bytes directly).
//
// Layout after the common page header:
//
//	[32:36] RootPageNo
//	[36:40] FreeListHead (NoPage if empty)
//	[40:42] NumColumnTypes (uint16)
//	[42: ]  column types, one byte each
type Header struct {
	Root     uint32
	FreeHead uint32
	Types    ColumnTypes
}

// MarshalHeader encodes h into a fresh header page buffer.
func MarshalHeader(h *Header, pageSize int) ([]byte, error) {
	buf := pager.NewPage(pageSize, pager.PageTypeBTreeHeader, 0)
	binary.BigEndian.PutUint32(buf[32:36], h.Root)
	binary.BigEndian.PutUint32(buf[36:40], h.FreeHead)
	binary.BigEndian.PutUint16(buf[40:42], uint16(len(h.Types)))
	if 42+len(h.Types) > pageSize {
		return nil, fmt.Errorf("btreeindex: too many indexed columns for one header page")
	}
	for i, t := range h.Types {
		buf[42+i] = byte(t)
	}
	return buf, nil
}

// UnmarshalHeader decodes a header page buffer.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if pager.PageTypeOf(buf) != pager.PageTypeBTreeHeader {
		return nil, fmt.Errorf("btreeindex: page is not a B+Tree header page (type %v)", pager.PageTypeOf(buf))
	}
	h := &Header{
		Root:     binary.BigEndian.Uint32(buf[32:36]),
		FreeHead: binary.BigEndian.Uint32(buf[36:40]),
	}
	n := binary.BigEndian.Uint16(buf[40:42])
	h.Types = make(ColumnTypes, n)
	for i := 0; i < int(n); i++ {
		h.Types[i] = heap.ColumnType(buf[42+i])
	}
	return h, nil
}
