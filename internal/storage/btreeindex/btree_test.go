package btreeindex

import (
	"testing"

	"github.com/avaish/nanodb/internal/storage/buffer"
	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/heap"
	"github.com/avaish/nanodb/internal/storage/pager"
	"github.com/avaish/nanodb/internal/storage/txn"
)

// treePageAccess adapts a buffer.Manager to txn.PageAccess for tests, the
// same narrow role engine.bufferPageAccess plays in the real engine.
type treePageAccess struct {
	bufmgr *buffer.Manager
	files  *filemgr.Manager
	sess   buffer.SessionID
}

func (p *treePageAccess) ReadRange(file string, pageNo uint32, offset, length uint16) ([]byte, error) {
	raw, ok := p.bufmgr.GetPage(p.sess, file, pageNo)
	if !ok {
		f, err := p.files.Open(file)
		if err != nil {
			return nil, err
		}
		loaded, err := f.LoadPage(pageNo, false)
		if err != nil {
			return nil, err
		}
		raw = loaded
	} else {
		defer p.bufmgr.UnpinPage(p.sess, file, pageNo, false, pager.LSN{})
	}
	out := make([]byte, length)
	copy(out, raw[offset:int(offset)+int(length)])
	return out, nil
}

func (p *treePageAccess) WriteRange(file string, pageNo uint32, offset uint16, data []byte, lsn pager.LSN) error {
	raw, ok := p.bufmgr.GetPage(p.sess, file, pageNo)
	if !ok {
		f, err := p.files.Open(file)
		if err != nil {
			return err
		}
		loaded, err := f.LoadPage(pageNo, true)
		if err != nil {
			return err
		}
		if err := p.bufmgr.AddPage(p.sess, file, pageNo, loaded); err != nil {
			return err
		}
		raw = loaded
	}
	copy(raw[offset:int(offset)+len(data)], data)
	dirty := lsn != (pager.LSN{})
	p.bufmgr.UnpinPage(p.sess, file, pageNo, dirty, lsn)
	return nil
}

const testTreeSession = buffer.SessionID(1)

func newTestTree(t *testing.T, types ColumnTypes) *Tree {
	t.Helper()
	tree, _ := newTestTreeWithTxnMgr(t, types)
	return tree
}

func insertKey(t *testing.T, tree *Tree, txnmgr *txn.Manager, id int64, ref heap.TupleRef) {
	t.Helper()
	ts := txnmgr.Begin(false)
	if err := tree.Insert(ts, Key{Columns: []heap.Value{id}, Ref: ref}); err != nil {
		t.Fatalf("Insert(%d): %v", id, err)
	}
	if err := txnmgr.Commit(ts); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// newTestTreeWithTxnMgr is like newTestTree but also returns the Manager
// so tests can drive Insert/Delete through real transactions.
func newTestTreeWithTxnMgr(t *testing.T, types ColumnTypes) (*Tree, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()
	fm, err := filemgr.New(dir)
	if err != nil {
		t.Fatalf("filemgr.New: %v", err)
	}
	bufmgr := buffer.New(fm, buffer.Config{})
	pages := &treePageAccess{bufmgr: bufmgr, files: fm, sess: testTreeSession}

	w, err := txn.OpenWAL(dir, 0)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	txnmgr := txn.New(w, pages, txn.GlobalState{})
	bufmgr.SetForcer(txnmgr.Forcer())

	file, err := fm.Create("t.idx", filemgr.FileTypeBTreeIndex, 512)
	if err != nil {
		t.Fatalf("Create index file: %v", err)
	}
	bufmgr.Register(file)

	tree, err := Create("t_idx", file, bufmgr, txnmgr, testTreeSession, types)
	if err != nil {
		t.Fatalf("Create tree: %v", err)
	}
	return tree, txnmgr
}

func TestTreeInsertAndGet(t *testing.T) {
	tree, txnmgr := newTestTreeWithTxnMgr(t, ColumnTypes{heap.TypeInteger})
	insertKey(t, tree, txnmgr, 7, heap.TupleRef{PageNo: 1, Slot: 0})

	refs, err := tree.Get([]heap.Value{int64(7)})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(refs) != 1 || refs[0] != (heap.TupleRef{PageNo: 1, Slot: 0}) {
		t.Fatalf("Get(7) = %v", refs)
	}
}

func TestTreeScanRangeReturnsSortedOrder(t *testing.T) {
	tree, txnmgr := newTestTreeWithTxnMgr(t, ColumnTypes{heap.TypeInteger})
	ids := []int64{50, 10, 30, 20, 40}
	for i, id := range ids {
		insertKey(t, tree, txnmgr, id, heap.TupleRef{PageNo: 1, Slot: uint16(i)})
	}

	low := Key{Columns: []heap.Value{int64(0)}}
	high := Key{Columns: []heap.Value{int64(1000)}}
	refs, err := tree.ScanRange(low, high, true, true)
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(refs) != len(ids) {
		t.Fatalf("ScanRange returned %d refs, want %d", len(refs), len(ids))
	}
}

func TestTreeSplitsAcrossManyInserts(t *testing.T) {
	tree, txnmgr := newTestTreeWithTxnMgr(t, ColumnTypes{heap.TypeInteger})
	const n = 200
	for i := 0; i < n; i++ {
		insertKey(t, tree, txnmgr, int64(i), heap.TupleRef{PageNo: uint32(i/20 + 1), Slot: uint16(i % 20)})
	}

	for i := 0; i < n; i++ {
		refs, err := tree.Get([]heap.Value{int64(i)})
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if len(refs) != 1 {
			t.Fatalf("Get(%d) = %v, want exactly one match", i, refs)
		}
	}
}

func TestTreeDeleteRemovesKey(t *testing.T) {
	tree, txnmgr := newTestTreeWithTxnMgr(t, ColumnTypes{heap.TypeInteger})
	ref := heap.TupleRef{PageNo: 1, Slot: 5}
	insertKey(t, tree, txnmgr, 99, ref)

	ts := txnmgr.Begin(false)
	if err := tree.Delete(ts, Key{Columns: []heap.Value{int64(99)}, Ref: ref}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := txnmgr.Commit(ts); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	refs, err := tree.Get([]heap.Value{int64(99)})
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("Get after delete = %v, want empty", refs)
	}
}

func TestTreeOnRowEventIndexesInsertUpdateDelete(t *testing.T) {
	tree := newTestTree(t, ColumnTypes{heap.TypeInteger})
	ref := heap.TupleRef{PageNo: 2, Slot: 1}

	if err := tree.OnRowEvent("t", heap.RowEvent{Kind: heap.RowInserted, Ref: ref, New: []heap.Value{int64(5), "ignored"}}); err != nil {
		t.Fatalf("OnRowEvent insert: %v", err)
	}
	refs, err := tree.Get([]heap.Value{int64(5)})
	if err != nil || len(refs) != 1 {
		t.Fatalf("Get after insert event: refs=%v err=%v", refs, err)
	}

	if err := tree.OnRowEvent("t", heap.RowEvent{
		Kind: heap.RowUpdated, Ref: ref,
		Old: []heap.Value{int64(5), "ignored"},
		New: []heap.Value{int64(6), "ignored"},
	}); err != nil {
		t.Fatalf("OnRowEvent update: %v", err)
	}
	if refs, err := tree.Get([]heap.Value{int64(5)}); err != nil || len(refs) != 0 {
		t.Fatalf("Get(5) after update event: refs=%v err=%v, want empty", refs, err)
	}
	if refs, err := tree.Get([]heap.Value{int64(6)}); err != nil || len(refs) != 1 {
		t.Fatalf("Get(6) after update event: refs=%v err=%v", refs, err)
	}

	if err := tree.OnRowEvent("t", heap.RowEvent{Kind: heap.RowDeleted, Ref: ref, Old: []heap.Value{int64(6), "ignored"}}); err != nil {
		t.Fatalf("OnRowEvent delete: %v", err)
	}
	if refs, err := tree.Get([]heap.Value{int64(6)}); err != nil || len(refs) != 0 {
		t.Fatalf("Get(6) after delete event: refs=%v err=%v, want empty", refs, err)
	}
}
