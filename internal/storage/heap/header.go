package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// Header is the fixed-field portion of a heap file's page 0, followed by
// a variable-length schema section. Layout after the common page header:
//
//	[32:36]  NumColumns (uint32)
//	[36:40]  NumPages   (uint32, including the header page itself)
//	[40:44]  NumTuples  (uint32, live tuple count across all data pages)
//	[44: ]   Columns, each: [1 byte Type][2 bytes Len][1 byte NameLen][NameLen bytes Name]
//
// Grounded on tinySQL's pager/superblock.go (fixed-offset marshal idiom,
// magic-free since the file manager's own page-0 type byte already
// identifies the file), generalized from a fully fixed-field layout to
// one with a variable-length schema section, since a table's column
// count is not known in advance the way the teacher's engine-wide
// feature-flag set was.
type Header struct {
	Schema    Schema
	NumPages  uint32
	NumTuples uint32
}

// MarshalHeader encodes h into a fresh header page buffer of pageSize.
func MarshalHeader(h *Header, pageSize int) ([]byte, error) {
	buf := pager.NewPage(pageSize, pager.PageTypeHeapHeader, 0)
	binary.BigEndian.PutUint32(buf[32:36], uint32(len(h.Schema.Columns)))
	binary.BigEndian.PutUint32(buf[36:40], h.NumPages)
	binary.BigEndian.PutUint32(buf[40:44], h.NumTuples)

	p := 44
	for _, col := range h.Schema.Columns {
		if len(col.Name) > 255 {
			return nil, fmt.Errorf("heap: column name %q too long", col.Name)
		}
		need := p + 4 + len(col.Name)
		if need > pageSize {
			return nil, fmt.Errorf("heap: schema does not fit in one header page (pageSize=%d)", pageSize)
		}
		buf[p] = byte(col.Type)
		binary.BigEndian.PutUint16(buf[p+1:p+3], col.Len)
		buf[p+3] = byte(len(col.Name))
		copy(buf[p+4:p+4+len(col.Name)], col.Name)
		p += 4 + len(col.Name)
	}
	return buf, nil
}

// UnmarshalHeader decodes a header page buffer.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if pager.PageTypeOf(buf) != pager.PageTypeHeapHeader {
		return nil, fmt.Errorf("heap: page is not a heap header page (type %v)", pager.PageTypeOf(buf))
	}
	numCols := binary.BigEndian.Uint32(buf[32:36])
	h := &Header{
		NumPages:  binary.BigEndian.Uint32(buf[36:40]),
		NumTuples: binary.BigEndian.Uint32(buf[40:44]),
	}
	p := 44
	for i := uint32(0); i < numCols; i++ {
		if p+4 > len(buf) {
			return nil, fmt.Errorf("heap: truncated schema at column %d", i)
		}
		typ := ColumnType(buf[p])
		ln := binary.BigEndian.Uint16(buf[p+1 : p+3])
		nameLen := int(buf[p+3])
		if p+4+nameLen > len(buf) {
			return nil, fmt.Errorf("heap: truncated column name at column %d", i)
		}
		name := string(buf[p+4 : p+4+nameLen])
		h.Schema.Columns = append(h.Schema.Columns, Column{Name: name, Type: typ, Len: ln})
		p += 4 + nameLen
	}
	return h, nil
}
