package btreeindex

import (
	"encoding/binary"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// A free B+Tree page is marked PageTypeBTreeEmpty and stores the page
// number of the next free page (or noChild) at offset 32, right after
// the common header — a minimal singly-linked free list where every
// page describes itself, so no separate free-list file or page is
// needed.
//
// Generalized from tinySQL's pager/freelist.go FreeListPage, which
// batches an array of free page IDs into dedicated free-list pages
// (capacity-bounded, needing its own allocation/chaining logic). A
// self-describing list needs no such bookkeeping: freeing a page is one
// write, and allocating is one read-then-write.
const freeListNextOff = 32

// MarkFree formats page pageNo as an empty page pointing to next.
func MarkFree(pageSize int, pageNo uint32, next uint32) []byte {
	buf := pager.NewPage(pageSize, pager.PageTypeBTreeEmpty, pageNo)
	binary.BigEndian.PutUint32(buf[freeListNextOff:freeListNextOff+4], next)
	return buf
}

// FreeListNext reads the next-free pointer out of a page already known
// to be PageTypeBTreeEmpty.
func FreeListNext(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[freeListNextOff : freeListNextOff+4])
}

// FreeList tracks the head of the B+Tree index file's free-page chain.
// The head itself is kept in the B+Tree header page (header.go), not
// here — FreeList is just the pure logic for pushing/popping the chain
// given the current head and a page-load/page-store callback.
type FreeList struct {
	head     uint32
	pageSize int
	load     func(pageNo uint32) ([]byte, error)
	store    func(pageNo uint32, buf []byte) error
}

// NewFreeList wraps a head pointer with the load/store callbacks needed
// to walk and mutate the chain.
func NewFreeList(head uint32, pageSize int, load func(uint32) ([]byte, error), store func(uint32, []byte) error) *FreeList {
	return &FreeList{head: head, pageSize: pageSize, load: load, store: store}
}

// Head returns the current head of the free list (noChild if empty).
func (fl *FreeList) Head() uint32 { return fl.head }

// Pop removes and returns the head of the free list, or ok=false if the
// list is empty.
func (fl *FreeList) Pop() (pageNo uint32, ok bool, err error) {
	if fl.head == noChild {
		return 0, false, nil
	}
	buf, err := fl.load(fl.head)
	if err != nil {
		return 0, false, err
	}
	popped := fl.head
	fl.head = FreeListNext(buf)
	return popped, true, nil
}

// Push prepends pageNo to the free list, formatting it as an empty page
// pointing at the current head.
func (fl *FreeList) Push(pageNo uint32) error {
	buf := MarkFree(fl.pageSize, pageNo, fl.head)
	pager.SetPageCRC(buf)
	if err := fl.store(pageNo, buf); err != nil {
		return err
	}
	fl.head = pageNo
	return nil
}

// NoPage is the free-list/child sentinel exposed for callers outside
// this package (the B+Tree header uses it for "this tree has no free
// pages yet").
const NoPage = noChild
