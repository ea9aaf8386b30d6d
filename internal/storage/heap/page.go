package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// Slotted data page layout, following the common page header:
//
//	[32:34]  numSlots       (uint16)
//	[34:36]  tupleDataStart (uint16, offset of the first byte of tuple data;
//	                         tuple data grows downward from the page end)
//	[36: ]   slot directory, numSlots * 2 bytes, growing upward; each slot
//	         is a uint16 offset into the page where that tuple's data
//	         begins, or slotEmpty if the slot is a deleted tuple's tombstone
//	         kept only so earlier slot numbers stay stable.
//
// Each tuple is stored as [2-byte length][payload bytes] at its slot's
// offset, so a slot needs only the offset — the length lives with the
// data, not the directory — matching SPEC_FULL §4.4's 2-byte offset-only
// slot requirement.
//
// Grounded on tinySQL's pager/slotted_page.go (slots-low/records-high
// layout), generalized from its 4-byte offset+length tombstone slots:
// the teacher never shrinks the slot directory or shifts tuple data on
// delete, it just tombstones in place and relies on a separate Compact()
// pass, which is exactly the path that produces the setNonNullColumnValue
// stale-offset bug SPEC_FULL §9 calls out. Real shifting on every
// insert/delete keeps every slot's offset correct at all times instead.
const (
	slotDirStart = 32 + 4
	slotSize     = 2
	slotEmpty    = 0xFFFF
)

// Page wraps a raw page buffer with slotted-page accessors. It does not
// own the buffer's lifetime — the buffer manager does.
type Page struct {
	buf []byte
}

// NewPage formats a fresh page buffer as an empty heap data page.
func NewPage(pageSize int, pageNo uint32) *Page {
	buf := pager.NewPage(pageSize, pager.PageTypeHeapData, pageNo)
	p := &Page{buf: buf}
	p.setNumSlots(0)
	p.setTupleDataStart(uint16(pageSize))
	return p
}

// Wrap adapts an already-loaded page buffer (must be a heap data page).
func Wrap(buf []byte) (*Page, error) {
	if pager.PageTypeOf(buf) != pager.PageTypeHeapData {
		return nil, fmt.Errorf("heap: page %d is not a heap data page (type %v)", binary.BigEndian.Uint32(buf[4:8]), pager.PageTypeOf(buf))
	}
	return &Page{buf: buf}, nil
}

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) numSlots() int        { return int(binary.BigEndian.Uint16(p.buf[32:34])) }
func (p *Page) setNumSlots(n int)    { binary.BigEndian.PutUint16(p.buf[32:34], uint16(n)) }
func (p *Page) tupleDataStart() int  { return int(binary.BigEndian.Uint16(p.buf[34:36])) }
func (p *Page) setTupleDataStart(v uint16) { binary.BigEndian.PutUint16(p.buf[34:36], v) }

func (p *Page) slotOffset(slot int) int { return slotDirStart + slot*slotSize }

func (p *Page) slotValue(slot int) uint16 {
	o := p.slotOffset(slot)
	return binary.BigEndian.Uint16(p.buf[o : o+2])
}

func (p *Page) setSlotValue(slot int, v uint16) {
	o := p.slotOffset(slot)
	binary.BigEndian.PutUint16(p.buf[o:o+2], v)
}

// NumSlots returns the number of slots in the directory, including
// tombstoned (deleted) ones — callers iterate [0,NumSlots) and skip
// slots where Tuple reports ok=false.
func (p *Page) NumSlots() int { return p.numSlots() }

// FreeSpace returns the number of unused bytes between the end of the
// slot directory and the start of tuple data.
func (p *Page) FreeSpace() int {
	dirEnd := slotDirStart + p.numSlots()*slotSize
	return p.tupleDataStart() - dirEnd
}

// Tuple returns the raw bytes stored at slot, or ok=false if the slot is
// out of range or tombstoned.
func (p *Page) Tuple(slot int) (data []byte, ok bool) {
	if slot < 0 || slot >= p.numSlots() {
		return nil, false
	}
	off := p.slotValue(slot)
	if off == slotEmpty {
		return nil, false
	}
	length := binary.BigEndian.Uint16(p.buf[off : off+2])
	return p.buf[off+2 : off+2+length], true
}

// InsertTuple appends data as a new tuple, reusing the first tombstoned
// slot if one exists, otherwise growing the slot directory by one. It
// returns the new tuple's slot number, or ok=false if there is not
// enough free space.
func (p *Page) InsertTuple(data []byte) (slot int, ok bool) {
	need := 2 + len(data)
	reuse := -1
	for i := 0; i < p.numSlots(); i++ {
		if p.slotValue(i) == slotEmpty {
			reuse = i
			break
		}
	}
	growDir := 0
	if reuse == -1 {
		growDir = slotSize
	}
	if p.FreeSpace()-growDir < need {
		return 0, false
	}

	oldStart := p.tupleDataStart()
	p.insertTupleDataRange(oldStart, encodeTupleSlot(data))
	newStart := oldStart - need
	if reuse == -1 {
		p.setNumSlots(p.numSlots() + 1)
		reuse = p.numSlots() - 1
	}
	p.setSlotValue(reuse, uint16(newStart))
	return reuse, true
}

// UpdateTuple replaces the tuple at slot with data, which may be a
// different length than the tuple it replaces. It deletes the old tuple
// bytes (shifting the region to close the gap) and inserts the new ones
// (shifting the region again to make room), so it never leaves a stale
// length or a dangling offset behind even when the size changes — the
// defect SPEC_FULL §9 identifies in naive in-place column updates.
func (p *Page) UpdateTuple(slot int, data []byte) (ok bool) {
	if slot < 0 || slot >= p.numSlots() {
		return false
	}
	off := p.slotValue(slot)
	if off == slotEmpty {
		return false
	}
	oldLen := int(binary.BigEndian.Uint16(p.buf[off : off+2]))
	need := 2 + len(data)
	if need > 2+oldLen && p.FreeSpace() < need-(2+oldLen) {
		return false
	}
	p.deleteTupleDataRange(int(off), 2+oldLen)
	p.setSlotValue(slot, slotEmpty)
	insertAt := p.tupleDataStart()
	p.insertTupleDataRange(insertAt, encodeTupleSlot(data))
	p.setSlotValue(slot, uint16(insertAt-need))
	return true
}

func encodeTupleSlot(data []byte) []byte {
	out := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(out[:2], uint16(len(data)))
	copy(out[2:], data)
	return out
}

// DeleteTuple tombstones slot and reclaims its data-area bytes, shifting
// every tuple stored before it (i.e. at a lower offset, since data grows
// downward from the page end) up to close the gap, and fixing up every
// slot whose offset pointed into the shifted region. The slot number
// itself is kept (set to slotEmpty) so external references to other
// slots by number never go stale.
func (p *Page) DeleteTuple(slot int) error {
	if slot < 0 || slot >= p.numSlots() {
		return fmt.Errorf("heap: DeleteTuple: slot %d out of range", slot)
	}
	off := p.slotValue(slot)
	if off == slotEmpty {
		return fmt.Errorf("heap: DeleteTuple: slot %d already empty", slot)
	}
	length := binary.BigEndian.Uint16(p.buf[off : off+2])
	p.deleteTupleDataRange(int(off), 2+int(length))
	p.setSlotValue(slot, slotEmpty)
	return nil
}

// insertTupleDataRange inserts raw bytes at absolute offset within the
// tuple-data region (which runs from tupleDataStart() to the page end),
// shifting the existing region down by len(bytes) and rewriting every
// slot offset that pointed at or after offset so it still addresses the
// same logical tuple. Callers must already have reserved len(bytes) of
// free space.
func (p *Page) insertTupleDataRange(offset int, data []byte) {
	oldStart := p.tupleDataStart()
	newStart := oldStart - len(data)
	copy(p.buf[newStart:newStart+(offset-oldStart)], p.buf[oldStart:offset])
	copy(p.buf[offset-len(data):offset], data)

	for i := 0; i < p.numSlots(); i++ {
		v := p.slotValue(i)
		if v == slotEmpty {
			continue
		}
		if int(v) >= oldStart && int(v) < offset {
			p.setSlotValue(i, v-uint16(len(data)))
		}
	}
	p.setTupleDataStart(uint16(newStart))
}

// deleteTupleDataRange removes length bytes at absolute offset from the
// tuple-data region, shifting everything stored before it (at lower
// offsets) up by length bytes, and rewriting every affected slot offset.
func (p *Page) deleteTupleDataRange(offset int, length int) {
	oldStart := p.tupleDataStart()
	copy(p.buf[oldStart+length:offset+length], p.buf[oldStart:offset])
	for i := oldStart; i < oldStart+length; i++ {
		p.buf[i] = 0
	}
	for i := 0; i < p.numSlots(); i++ {
		v := p.slotValue(i)
		if v == slotEmpty {
			continue
		}
		if int(v) >= oldStart && int(v) < offset {
			p.setSlotValue(i, v+uint16(length))
		}
	}
	p.setTupleDataStart(uint16(oldStart + length))
}
