package btreeindex

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/avaish/nanodb/internal/storage/buffer"
	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/heap"
	"github.com/avaish/nanodb/internal/storage/pager"
	"github.com/avaish/nanodb/internal/storage/txn"
)

// Tree is a B+Tree secondary index over one heap table's column(s).
//
// Grounded on tinySQL's pager/btree.go (CreateBTree/Get/findLeaf/Insert/
// insertIntoTree/insertWithSplit/insertIntoParent/splitInternal/
// createNewRoot/Delete/ScanRange), generalized to:
//   - operate on encoded composite keys instead of opaque byte strings
//   - try relocating an overflowing leaf's rightmost entry into its
//     right sibling before splitting (SPEC_FULL §9's movePointersRight),
//     which the teacher's insertWithSplit never attempts
//   - leave Delete as leaf-only removal with no underflow rebalancing,
//     per SPEC_FULL §9's explicit deferral of full B+Tree deletion
type Tree struct {
	name string
	file *filemgr.File
	buf  *buffer.Manager
	txn  *txn.Manager
	sess buffer.SessionID

	mu    sync.Mutex
	root  uint32
	free  *FreeList
	types ColumnTypes
}

// Create formats a brand-new index file with an empty root leaf.
func Create(name string, file *filemgr.File, bufmgr *buffer.Manager, txnmgr *txn.Manager, sess buffer.SessionID, types ColumnTypes) (*Tree, error) {
	rootBuf := NewLeaf(file.PageSize(), 1).Bytes()
	pager.SetPageCRC(rootBuf)
	if err := file.StorePage(1, rootBuf); err != nil {
		return nil, err
	}
	hdrBuf, err := MarshalHeader(&Header{Root: 1, FreeHead: NoPage, Types: types}, file.PageSize())
	if err != nil {
		return nil, err
	}
	pager.SetPageCRC(hdrBuf)
	if err := file.StorePage(0, hdrBuf); err != nil {
		return nil, err
	}
	t := &Tree{name: name, file: file, buf: bufmgr, txn: txnmgr, sess: sess, root: 1, types: types}
	t.free = NewFreeList(NoPage, file.PageSize(), t.loadFreePage, t.storeFreePage)
	return t, nil
}

// Open attaches a Tree to an already-formatted index file.
func Open(name string, file *filemgr.File, bufmgr *buffer.Manager, txnmgr *txn.Manager, sess buffer.SessionID) (*Tree, error) {
	raw, err := file.LoadPage(0, false)
	if err != nil {
		return nil, fmt.Errorf("btreeindex: open %q: %w", name, err)
	}
	h, err := UnmarshalHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("btreeindex: open %q: %w", name, err)
	}
	t := &Tree{name: name, file: file, buf: bufmgr, txn: txnmgr, sess: sess, root: h.Root, types: h.Types}
	t.free = NewFreeList(h.FreeHead, file.PageSize(), t.loadFreePage, t.storeFreePage)
	return t, nil
}

func (t *Tree) loadFreePage(pageNo uint32) ([]byte, error) {
	return t.file.LoadPage(pageNo, false)
}

func (t *Tree) storeFreePage(pageNo uint32, buf []byte) error {
	return t.file.StorePage(pageNo, buf)
}

// OnRowEvent implements heap.Listener, keeping the index synchronized
// with the table it indexes: an insert adds a key, a delete removes it,
// and an update removes the old key and adds the new one (the key's
// uniquifier — the TupleRef — never changes across an update, so the
// old and new encoded keys always differ only in the indexed columns).
func (t *Tree) OnRowEvent(table string, ev heap.RowEvent) error {
	switch ev.Kind {
	case heap.RowInserted:
		return t.insertRow(ev.Ref, ev.New)
	case heap.RowDeleted:
		return t.deleteRow(ev.Ref, ev.Old)
	case heap.RowUpdated:
		if err := t.deleteRow(ev.Ref, ev.Old); err != nil {
			return err
		}
		return t.insertRow(ev.Ref, ev.New)
	}
	return nil
}

// insertRow builds the key from the first len(Types) values of vals:
// OnRowEvent assumes vals is already the full row and the tree's Types
// describes a prefix of columns to index, at the same positions. Callers that index a subset of columns should
// wrap the Tree rather than feed it full rows directly; the common case
// (index on the row's leading columns) needs no such wrapper.
func (t *Tree) insertRow(ref heap.TupleRef, vals []heap.Value) error {
	key := Key{Columns: vals[:len(t.types)], Ref: ref}
	return t.withImplicitTxn(func(ts *txn.TxnState) error { return t.Insert(ts, key) })
}

func (t *Tree) deleteRow(ref heap.TupleRef, vals []heap.Value) error {
	key := Key{Columns: vals[:len(t.types)], Ref: ref}
	return t.withImplicitTxn(func(ts *txn.TxnState) error { return t.Delete(ts, key) })
}

func (t *Tree) withImplicitTxn(fn func(ts *txn.TxnState) error) error {
	ts := t.txn.Begin(false)
	if err := fn(ts); err != nil {
		_ = t.txn.Rollback(ts)
		return err
	}
	return t.txn.Commit(ts)
}

func (t *Tree) loadNode(pageNo uint32, create bool) (*Node, []byte, error) {
	raw, ok := t.buf.GetPage(t.sess, t.file.Name(), pageNo)
	if !ok {
		loaded, err := t.file.LoadPage(pageNo, create)
		if err != nil {
			return nil, nil, err
		}
		if err := t.buf.AddPage(t.sess, t.file.Name(), pageNo, loaded); err != nil {
			return nil, nil, err
		}
		raw = loaded
	}
	n, err := Wrap(raw)
	if err != nil {
		return nil, nil, err
	}
	return n, raw, nil
}

func (t *Tree) unpin(pageNo uint32, dirty bool, lsn pager.LSN) {
	t.buf.UnpinPage(t.sess, t.file.Name(), pageNo, dirty, lsn)
}

func (t *Tree) logAndUnpin(ts *txn.TxnState, pageNo uint32, before, after []byte) error {
	lsn, err := t.txn.LogUpdate(ts, t.file.Name(), pageNo, 0, before, after)
	if err != nil {
		t.unpin(pageNo, false, pager.LSN{})
		return err
	}
	pager.SetPageCRC(after)
	t.unpin(pageNo, true, lsn)
	return nil
}

// pathEntry records one inner node visited during descent, along with
// which child index was followed, so a split can insert the new
// separator key at the right place in the parent.
type pathEntry struct {
	pageNo   uint32
	childIdx int
}

// findLeaf descends from the root to the leaf that should contain key,
// recording the path of inner nodes visited.
func (t *Tree) findLeaf(key []byte) (leafPageNo uint32, path []pathEntry, err error) {
	pageNo := t.root
	for {
		n, _, err := t.loadNode(pageNo, false)
		if err != nil {
			return 0, nil, err
		}
		if n.IsLeaf() {
			t.unpin(pageNo, false, pager.LSN{})
			return pageNo, path, nil
		}
		idx, child := t.findChild(n, key)
		path = append(path, pathEntry{pageNo: pageNo, childIdx: idx})
		t.unpin(pageNo, false, pager.LSN{})
		pageNo = child
	}
}

// findChild returns the index of the entry key would displace (i.e. the
// separator just past key) and the child page to descend into: entries
// before it lead to FirstChild/earlier children, and the entry at idx-1
// (if any) names the child to its right, which is exactly n's Child field.
func (t *Tree) findChild(n *Node, key []byte) (idx int, child uint32) {
	child = n.FirstChild()
	for i := 0; i < n.NumEntries(); i++ {
		e, ok := n.Entry(i)
		if !ok {
			continue
		}
		if bytes.Compare(key, e.Key) < 0 {
			return i, child
		}
		child = e.Child
	}
	return n.NumEntries(), child
}

// Get returns every TupleRef whose indexed columns exactly equal cols,
// by scanning the encoded-key range [cols|min-ref, cols|max-ref].
func (t *Tree) Get(cols []heap.Value) ([]heap.TupleRef, error) {
	low := Key{Columns: cols, Ref: heap.TupleRef{}}
	high := Key{Columns: cols, Ref: heap.TupleRef{PageNo: ^uint32(0), Slot: ^uint16(0)}}
	return t.ScanRange(low, high, true, true)
}

// ScanRange returns every TupleRef whose key lies in [low, high] (or
// (low, high), etc., per the inclusive flags), in ascending key order.
func (t *Tree) ScanRange(low, high Key, lowIncl, highIncl bool) ([]heap.TupleRef, error) {
	lowBytes := Encode(t.types, low)
	highBytes := Encode(t.types, high)

	leafPageNo, _, err := t.findLeaf(lowBytes)
	if err != nil {
		return nil, err
	}

	var out []heap.TupleRef
	for leafPageNo != noChild {
		n, _, err := t.loadNode(leafPageNo, false)
		if err != nil {
			return nil, err
		}
		next := n.NextLeaf()
		stop := false
		for i := 0; i < n.NumEntries(); i++ {
			e, ok := n.Entry(i)
			if !ok {
				continue
			}
			cmpLow := bytes.Compare(e.Key, lowBytes)
			if cmpLow < 0 || (cmpLow == 0 && !lowIncl) {
				continue
			}
			cmpHigh := bytes.Compare(e.Key, highBytes)
			if cmpHigh > 0 || (cmpHigh == 0 && !highIncl) {
				stop = true
				break
			}
			ref, err := decodeRef(e.Key)
			if err != nil {
				t.unpin(leafPageNo, false, pager.LSN{})
				return nil, err
			}
			out = append(out, ref)
		}
		t.unpin(leafPageNo, false, pager.LSN{})
		if stop {
			break
		}
		leafPageNo = next
	}
	return out, nil
}

func decodeRef(encodedKey []byte) (heap.TupleRef, error) {
	if len(encodedKey) < 6 {
		return heap.TupleRef{}, fmt.Errorf("btreeindex: encoded key too short to contain a uniquifier")
	}
	tail := encodedKey[len(encodedKey)-6:]
	pageNo := uint32(tail[0])<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3])
	slot := uint16(tail[4])<<8 | uint16(tail[5])
	return heap.TupleRef{PageNo: pageNo, Slot: slot}, nil
}

// Insert adds key to the tree, splitting (after trying right-sibling
// relocation) as needed up to and including creating a new root.
func (t *Tree) Insert(ts *txn.TxnState, key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded := Encode(t.types, key)
	leafPageNo, path, err := t.findLeaf(encoded)
	if err != nil {
		return err
	}
	return t.insertIntoLeaf(ts, leafPageNo, path, Entry{Key: encoded})
}

func (t *Tree) insertIntoLeaf(ts *txn.TxnState, leafPageNo uint32, path []pathEntry, e Entry) error {
	n, _, err := t.loadNode(leafPageNo, false)
	if err != nil {
		return err
	}
	before := append([]byte(nil), n.Bytes()...)
	idx := t.insertPosition(n, e.Key)
	if n.InsertEntryAt(idx, e) {
		return t.logAndUnpin(ts, leafPageNo, before, append([]byte(nil), n.Bytes()...))
	}
	t.unpin(leafPageNo, false, pager.LSN{})

	// Try relocating the rightmost entry to the right sibling before splitting.
	if t.tryRelocateRight(ts, leafPageNo, path) {
		n2, _, err := t.loadNode(leafPageNo, false)
		if err != nil {
			return err
		}
		before2 := append([]byte(nil), n2.Bytes()...)
		idx2 := t.insertPosition(n2, e.Key)
		if n2.InsertEntryAt(idx2, e) {
			return t.logAndUnpin(ts, leafPageNo, before2, append([]byte(nil), n2.Bytes()...))
		}
		t.unpin(leafPageNo, false, pager.LSN{})
	}

	return t.splitLeafAndInsert(ts, leafPageNo, path, e)
}

func (t *Tree) insertPosition(n *Node, key []byte) int {
	for i := 0; i < n.NumEntries(); i++ {
		e, ok := n.Entry(i)
		if !ok {
			continue
		}
		if bytes.Compare(key, e.Key) < 0 {
			return i
		}
	}
	return n.NumEntries()
}

// tryRelocateRight moves the rightmost entry of the leaf at leafPageNo
// into its right sibling (if one exists and has room), updating the
// parent's separator key to match. It returns whether relocation
// succeeded (freeing at least one slot in leafPageNo).
func (t *Tree) tryRelocateRight(ts *txn.TxnState, leafPageNo uint32, path []pathEntry) bool {
	n, _, err := t.loadNode(leafPageNo, false)
	if err != nil {
		t.unpin(leafPageNo, false, pager.LSN{})
		return false
	}
	sibPageNo := n.NextLeaf()
	lastIdx := n.NumEntries() - 1
	if sibPageNo == noChild || lastIdx < 0 {
		t.unpin(leafPageNo, false, pager.LSN{})
		return false
	}
	moved, ok := n.Entry(lastIdx)
	t.unpin(leafPageNo, false, pager.LSN{})
	if !ok {
		return false
	}
	moved.Key = append([]byte(nil), moved.Key...)

	sib, _, err := t.loadNode(sibPageNo, false)
	if err != nil {
		return false
	}
	sibBefore := append([]byte(nil), sib.Bytes()...)
	if !sib.InsertEntryAt(0, moved) {
		t.unpin(sibPageNo, false, pager.LSN{})
		return false
	}
	if err := t.logAndUnpin(ts, sibPageNo, sibBefore, append([]byte(nil), sib.Bytes()...)); err != nil {
		return false
	}

	n2, _, err := t.loadNode(leafPageNo, false)
	if err != nil {
		return false
	}
	leafBefore := append([]byte(nil), n2.Bytes()...)
	n2.DeleteEntryAt(lastIdx)
	if err := t.logAndUnpin(ts, leafPageNo, leafBefore, append([]byte(nil), n2.Bytes()...)); err != nil {
		return false
	}

	if len(path) > 0 {
		parent := path[len(path)-1]
		// The separator that needs to move is the sibling's lower bound,
		// not the leaf's: Entry.Child names the child to the RIGHT of its
		// key, so the entry routing to sibPageNo is the one whose key must
		// drop to moved.Key.
		t.updateSeparator(ts, parent.pageNo, sibPageNo, moved.Key)
	}
	return true
}

// updateSeparator rewrites the parent entry whose Child is childPageNo to
// carry newKey instead, keeping the parent's routing key in sync after a
// relocation moved the sibling boundary.
func (t *Tree) updateSeparator(ts *txn.TxnState, parentPageNo, childPageNo uint32, newKey []byte) {
	p, _, err := t.loadNode(parentPageNo, false)
	if err != nil {
		return
	}
	before := append([]byte(nil), p.Bytes()...)
	for i := 0; i < p.NumEntries(); i++ {
		e, ok := p.Entry(i)
		if ok && e.Child == childPageNo {
			p.DeleteEntryAt(i)
			p.InsertEntryAt(i, Entry{Key: newKey, Child: childPageNo})
			break
		}
	}
	_ = t.logAndUnpin(ts, parentPageNo, before, append([]byte(nil), p.Bytes()...))
}

// splitLeafAndInsert splits a full leaf in half, inserting e into
// whichever half it belongs in, links the new leaf into the sibling
// chain, and propagates the new separator key up through path.
func (t *Tree) splitLeafAndInsert(ts *txn.TxnState, leafPageNo uint32, path []pathEntry, e Entry) error {
	n, _, err := t.loadNode(leafPageNo, false)
	if err != nil {
		return err
	}
	total := n.NumEntries()
	var entries []Entry
	for i := 0; i < total; i++ {
		if ent, ok := n.Entry(i); ok {
			entries = append(entries, ent)
		}
	}
	t.unpin(leafPageNo, false, pager.LSN{})

	mid := len(entries) / 2
	leftEntries, rightEntries := entries[:mid], entries[mid:]
	separator := append([]byte(nil), rightEntries[0].Key...)

	newPageNo, err := t.allocPage()
	if err != nil {
		return err
	}
	newLeaf := NewLeaf(t.file.PageSize(), newPageNo)
	for _, ent := range rightEntries {
		newLeaf.InsertEntryAt(newLeaf.NumEntries(), ent)
	}

	oldLeaf, oldRaw, err := t.loadNode(leafPageNo, false)
	if err != nil {
		return err
	}
	before := append([]byte(nil), oldRaw...)
	fresh := NewLeaf(t.file.PageSize(), leafPageNo)
	fresh.SetNextLeaf(newPageNo)
	oldNextLeaf := oldLeaf.NextLeaf()
	newLeaf.SetNextLeaf(oldNextLeaf)
	for _, ent := range leftEntries {
		fresh.InsertEntryAt(fresh.NumEntries(), ent)
	}

	target := fresh
	if bytes.Compare(e.Key, rightEntries[0].Key) >= 0 {
		target = newLeaf
	}
	idx := t.insertPosition(target, e.Key)
	target.InsertEntryAt(idx, e)

	copy(oldRaw, fresh.Bytes())
	pager.SetPageCRC(oldRaw)
	if err := t.logAndUnpin(ts, leafPageNo, before, append([]byte(nil), oldRaw...)); err != nil {
		return err
	}

	newBuf := newLeaf.Bytes()
	pager.SetPageCRC(newBuf)
	if _, err := t.txn.LogUpdate(ts, t.file.Name(), newPageNo, 0, make([]byte, t.file.PageSize()), append([]byte(nil), newBuf...)); err != nil {
		return err
	}
	if err := t.file.StorePage(newPageNo, newBuf); err != nil {
		return err
	}

	return t.insertIntoParent(ts, path, leafPageNo, separator, newPageNo)
}

// insertIntoParent adds a new (separator, rightChild) pair to the inner
// node at the top of path, splitting it in turn (and recursing) if it
// has no room, or creating a brand-new root if path is empty (the old
// root just split).
func (t *Tree) insertIntoParent(ts *txn.TxnState, path []pathEntry, leftChild uint32, separator []byte, rightChild uint32) error {
	if len(path) == 0 {
		return t.createNewRoot(ts, leftChild, separator, rightChild)
	}
	parentPageNo := path[len(path)-1].pageNo
	parentPath := path[:len(path)-1]

	p, raw, err := t.loadNode(parentPageNo, false)
	if err != nil {
		return err
	}
	before := append([]byte(nil), raw...)
	idx := t.insertPosition(p, separator)
	if p.InsertEntryAt(idx, Entry{Key: separator, Child: rightChild}) {
		return t.logAndUnpin(ts, parentPageNo, before, append([]byte(nil), raw...))
	}
	t.unpin(parentPageNo, false, pager.LSN{})

	return t.splitInnerAndInsert(ts, parentPageNo, parentPath, Entry{Key: separator, Child: rightChild})
}

// splitInnerAndInsert splits a full inner node, analogous to
// splitLeafAndInsert but without a sibling chain (inner nodes are never
// range-scanned directly) and with the middle key promoted rather than
// copied, as classic B+Tree internal splits require.
func (t *Tree) splitInnerAndInsert(ts *txn.TxnState, pageNo uint32, path []pathEntry, e Entry) error {
	n, _, err := t.loadNode(pageNo, false)
	if err != nil {
		return err
	}
	firstChild := n.FirstChild()
	var entries []Entry
	for i := 0; i < n.NumEntries(); i++ {
		if ent, ok := n.Entry(i); ok {
			entries = append(entries, ent)
		}
	}
	t.unpin(pageNo, false, pager.LSN{})

	insertAt := 0
	for insertAt < len(entries) && bytes.Compare(e.Key, entries[insertAt].Key) >= 0 {
		insertAt++
	}
	all := append(append(append([]Entry{}, entries[:insertAt]...), e), entries[insertAt:]...)

	mid := len(all) / 2
	promoted := all[mid]
	promoted.Key = append([]byte(nil), promoted.Key...)
	leftEntries := all[:mid]
	rightEntries := all[mid+1:]

	newPageNo, err := t.allocPage()
	if err != nil {
		return err
	}
	newInner := NewInner(t.file.PageSize(), newPageNo, promoted.Child)
	for _, ent := range rightEntries {
		newInner.InsertEntryAt(newInner.NumEntries(), ent)
	}

	_, oldRaw, err := t.loadNode(pageNo, false)
	if err != nil {
		return err
	}
	before := append([]byte(nil), oldRaw...)
	fresh := NewInner(t.file.PageSize(), pageNo, firstChild)
	for _, ent := range leftEntries {
		fresh.InsertEntryAt(fresh.NumEntries(), ent)
	}
	copy(oldRaw, fresh.Bytes())
	pager.SetPageCRC(oldRaw)
	if err := t.logAndUnpin(ts, pageNo, before, append([]byte(nil), oldRaw...)); err != nil {
		return err
	}

	newBuf := newInner.Bytes()
	pager.SetPageCRC(newBuf)
	if _, err := t.txn.LogUpdate(ts, t.file.Name(), newPageNo, 0, make([]byte, t.file.PageSize()), append([]byte(nil), newBuf...)); err != nil {
		return err
	}
	if err := t.file.StorePage(newPageNo, newBuf); err != nil {
		return err
	}

	return t.insertIntoParent(ts, path, pageNo, promoted.Key, newPageNo)
}

// createNewRoot replaces the tree's root with a fresh inner node routing
// between leftChild and rightChild on separator, used when the previous
// root itself just split.
func (t *Tree) createNewRoot(ts *txn.TxnState, leftChild uint32, separator []byte, rightChild uint32) error {
	newRootPageNo, err := t.allocPage()
	if err != nil {
		return err
	}
	root := NewInner(t.file.PageSize(), newRootPageNo, leftChild)
	root.InsertEntryAt(0, Entry{Key: separator, Child: rightChild})
	buf := root.Bytes()
	pager.SetPageCRC(buf)
	if _, err := t.txn.LogUpdate(ts, t.file.Name(), newRootPageNo, 0, make([]byte, t.file.PageSize()), append([]byte(nil), buf...)); err != nil {
		return err
	}
	if err := t.file.StorePage(newRootPageNo, buf); err != nil {
		return err
	}

	t.root = newRootPageNo
	return t.persistHeader(ts)
}

// allocPage pops a page off the free list if one is available, otherwise
// extends the file with a fresh page number.
func (t *Tree) allocPage() (uint32, error) {
	if popped, ok, err := t.free.Pop(); err != nil {
		return 0, err
	} else if ok {
		return popped, nil
	}
	n, err := t.file.NumPages()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// freePage returns pageNo to the free list, for reuse by a later split.
// Delete does not call this today since it never empties a page outright
// (no underflow merging), but a future merge/redistribute pass can.
func (t *Tree) freePage(pageNo uint32) error {
	return t.free.Push(pageNo)
}

func (t *Tree) persistHeader(ts *txn.TxnState) error {
	before, err := t.file.LoadPage(0, false)
	if err != nil {
		return err
	}
	after, err := MarshalHeader(&Header{Root: t.root, FreeHead: t.free.Head(), Types: t.types}, t.file.PageSize())
	if err != nil {
		return err
	}
	if _, err := t.txn.LogUpdate(ts, t.file.Name(), 0, 0, before, after); err != nil {
		return err
	}
	pager.SetPageCRC(after)
	return t.file.StorePage(0, after)
}

// Delete removes key from its leaf if present. It does not rebalance or
// merge underflowing nodes: per SPEC_FULL §9's deferral of full B+Tree
// deletion, a leaf may legitimately fall below its target fill factor
// after a delete, trading temporary space amplification for not needing
// the considerably more involved merge/redistribute machinery.
func (t *Tree) Delete(ts *txn.TxnState, key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded := Encode(t.types, key)
	leafPageNo, _, err := t.findLeaf(encoded)
	if err != nil {
		return err
	}
	n, _, err := t.loadNode(leafPageNo, false)
	if err != nil {
		return err
	}
	before := append([]byte(nil), n.Bytes()...)
	found := -1
	for i := 0; i < n.NumEntries(); i++ {
		e, ok := n.Entry(i)
		if ok && bytes.Equal(e.Key, encoded) {
			found = i
			break
		}
	}
	if found == -1 {
		t.unpin(leafPageNo, false, pager.LSN{})
		return fmt.Errorf("btreeindex: key not found")
	}
	n.DeleteEntryAt(found)
	return t.logAndUnpin(ts, leafPageNo, before, append([]byte(nil), n.Bytes()...))
}
