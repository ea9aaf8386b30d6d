package btreeindex

import (
	"encoding/binary"
	"fmt"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// Node page layout, following the common page header:
//
//	[32:36]  FirstChild    (uint32, meaningful only for inner nodes: the
//	                        child to the left of entry 0)
//	[36:40]  NextLeaf      (uint32, meaningful only for leaf nodes: the
//	                        right sibling for range scans, noChild if none)
//	[40:42]  NumEntries    (uint16)
//	[42:44]  EntryDataStart(uint16, entry data grows downward from the
//	                        page end exactly as in heap/page.go)
//	[44: ]   slot directory, NumEntries * 2 bytes, growing upward; each
//	         slot is the offset of that entry's data.
//
// Leaf entry:  [2-byte keyLen][key bytes]
// Inner entry: [2-byte entryLen][4-byte childPageNo][2-byte keyLen][key bytes]
// (childPageNo is the child to the RIGHT of this entry's key.)
//
// Grounded on tinySQL's pager/btree_page.go (InsertInternalEntry/
// InsertLeafEntry/searchLeaf/searchInternal), generalized from the
// teacher's fixed custom header offsets (32/33/35/39/43/47, a mix of
// one-off fields with no general shifting) to the same slots-low/
// entries-high layout used by the heap package, so insert/delete always
// keeps every slot's offset correct — the same fix applied to avoid
// SPEC_FULL §9's setNonNullColumnValue-style stale-offset bug.
const (
	nodeFirstChildOff = 32
	nodeNextLeafOff   = 36
	nodeNumEntriesOff = 40
	nodeDataStartOff  = 42
	nodeSlotDirStart  = 44
	nodeSlotSize      = 2
	nodeSlotEmpty     = 0xFFFF
)

// noChild marks "no child"/"no sibling" in FirstChild/NextLeaf fields.
const noChild = ^uint32(0)

// Node wraps a raw B+Tree node page buffer.
type Node struct {
	buf []byte
}

// NewInner formats a fresh page as an empty inner node with the given
// leftmost child.
func NewInner(pageSize int, pageNo uint32, firstChild uint32) *Node {
	buf := pager.NewPage(pageSize, pager.PageTypeBTreeInner, pageNo)
	n := &Node{buf: buf}
	n.setFirstChild(firstChild)
	n.setNumEntries(0)
	n.setDataStart(uint16(pageSize))
	return n
}

// NewLeaf formats a fresh page as an empty leaf node.
func NewLeaf(pageSize int, pageNo uint32) *Node {
	buf := pager.NewPage(pageSize, pager.PageTypeBTreeLeaf, pageNo)
	n := &Node{buf: buf}
	n.setNextLeaf(noChild)
	n.setNumEntries(0)
	n.setDataStart(uint16(pageSize))
	return n
}

// Wrap adapts an already-loaded page buffer as a Node.
func Wrap(buf []byte) (*Node, error) {
	switch pager.PageTypeOf(buf) {
	case pager.PageTypeBTreeInner, pager.PageTypeBTreeLeaf:
		return &Node{buf: buf}, nil
	default:
		return nil, fmt.Errorf("btreeindex: page is not a B+Tree node (type %v)", pager.PageTypeOf(buf))
	}
}

// Bytes returns the underlying page buffer.
func (n *Node) Bytes() []byte { return n.buf }

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool { return pager.PageTypeOf(n.buf) == pager.PageTypeBTreeLeaf }

func (n *Node) setFirstChild(v uint32) { binary.BigEndian.PutUint32(n.buf[nodeFirstChildOff:nodeFirstChildOff+4], v) }
func (n *Node) FirstChild() uint32     { return binary.BigEndian.Uint32(n.buf[nodeFirstChildOff : nodeFirstChildOff+4]) }
func (n *Node) setNextLeaf(v uint32)   { binary.BigEndian.PutUint32(n.buf[nodeNextLeafOff:nodeNextLeafOff+4], v) }
func (n *Node) NextLeaf() uint32       { return binary.BigEndian.Uint32(n.buf[nodeNextLeafOff : nodeNextLeafOff+4]) }
func (n *Node) SetNextLeaf(v uint32)   { n.setNextLeaf(v) }

func (n *Node) numEntries() int     { return int(binary.BigEndian.Uint16(n.buf[nodeNumEntriesOff : nodeNumEntriesOff+2])) }
func (n *Node) setNumEntries(v int) { binary.BigEndian.PutUint16(n.buf[nodeNumEntriesOff:nodeNumEntriesOff+2], uint16(v)) }
func (n *Node) dataStart() int      { return int(binary.BigEndian.Uint16(n.buf[nodeDataStartOff : nodeDataStartOff+2])) }
func (n *Node) setDataStart(v uint16) {
	binary.BigEndian.PutUint16(n.buf[nodeDataStartOff:nodeDataStartOff+2], v)
}

// NumEntries returns the number of entries (including tombstoned ones).
func (n *Node) NumEntries() int { return n.numEntries() }

func (n *Node) slotOffset(i int) int { return nodeSlotDirStart + i*nodeSlotSize }
func (n *Node) slotValue(i int) uint16 {
	o := n.slotOffset(i)
	return binary.BigEndian.Uint16(n.buf[o : o+2])
}
func (n *Node) setSlotValue(i int, v uint16) {
	o := n.slotOffset(i)
	binary.BigEndian.PutUint16(n.buf[o:o+2], v)
}

// FreeSpace returns unused bytes between the slot directory and entry data.
func (n *Node) FreeSpace() int {
	dirEnd := nodeSlotDirStart + n.numEntries()*nodeSlotSize
	return n.dataStart() - dirEnd
}

// Entry is a decoded node entry.
type Entry struct {
	Key   []byte
	Child uint32 // inner nodes only: child to the right of Key
}

// entryBytes returns the raw entry bytes at slot i, or nil if tombstoned.
func (n *Node) entryBytes(i int) []byte {
	off := n.slotValue(i)
	if off == nodeSlotEmpty {
		return nil
	}
	length := binary.BigEndian.Uint16(n.buf[off : off+2])
	return n.buf[off+2 : off+2+length]
}

// Entry decodes the entry at index i, or ok=false if tombstoned.
func (n *Node) Entry(i int) (Entry, bool) {
	raw := n.entryBytes(i)
	if raw == nil {
		return Entry{}, false
	}
	if n.IsLeaf() {
		return Entry{Key: raw}, true
	}
	child := binary.BigEndian.Uint32(raw[:4])
	keyLen := binary.BigEndian.Uint16(raw[4:6])
	return Entry{Key: raw[6 : 6+keyLen], Child: child}, true
}

func encodeEntry(isLeaf bool, e Entry) []byte {
	if isLeaf {
		return e.Key
	}
	out := make([]byte, 6+len(e.Key))
	binary.BigEndian.PutUint32(out[:4], e.Child)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(e.Key)))
	copy(out[6:], e.Key)
	return out
}

// InsertEntryAt inserts e at index i: the entry's data is written just
// below the current entry-data start and the slots from i onward shift up
// by one; no existing entry data moves. It returns false if there is not
// enough space.
func (n *Node) InsertEntryAt(i int, e Entry) bool {
	payload := encodeEntry(n.IsLeaf(), e)
	need := 2 + len(payload) + nodeSlotSize
	if n.FreeSpace() < need {
		return false
	}
	oldStart := n.dataStart()
	newStart := oldStart - (2 + len(payload))
	lenPrefixed := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(lenPrefixed[:2], uint16(len(payload)))
	copy(lenPrefixed[2:], payload)
	copy(n.buf[newStart:newStart+len(lenPrefixed)], lenPrefixed)
	n.setDataStart(uint16(newStart))

	count := n.numEntries()
	for s := count; s > i; s-- {
		n.setSlotValue(s, n.slotValue(s-1))
	}
	n.setSlotValue(i, uint16(newStart))
	n.setNumEntries(count + 1)
	return true
}

// DeleteEntryAt removes the entry at index i, compacting the slot
// directory (unlike heap pages, B+Tree entries are always re-sorted, so
// there is no reason to keep a tombstone around — removing the slot
// outright keeps the directory dense for binary search).
func (n *Node) DeleteEntryAt(i int) {
	off := n.slotValue(i)
	count := n.numEntries()
	for s := i; s < count-1; s++ {
		n.setSlotValue(s, n.slotValue(s+1))
	}
	n.setNumEntries(count - 1)

	if off != nodeSlotEmpty {
		length := binary.BigEndian.Uint16(n.buf[off : off+2])
		n.compactDelete(int(off), 2+int(length))
	}
}

// compactDelete removes length bytes at offset from the entry-data
// region, shifting everything before it (lower addresses) up to close
// the gap, and fixing up every slot's offset — the same algorithm as
// heap.Page.deleteTupleDataRange.
func (n *Node) compactDelete(offset, length int) {
	oldStart := n.dataStart()
	copy(n.buf[oldStart+length:offset+length], n.buf[oldStart:offset])
	for i := oldStart; i < oldStart+length; i++ {
		n.buf[i] = 0
	}
	for i := 0; i < n.numEntries(); i++ {
		v := n.slotValue(i)
		if v == nodeSlotEmpty {
			continue
		}
		if int(v) >= oldStart && int(v) < offset {
			n.setSlotValue(i, v+uint16(length))
		}
	}
	n.setDataStart(uint16(oldStart + length))
}
