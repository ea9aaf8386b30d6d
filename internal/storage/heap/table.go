package heap

import (
	"fmt"
	"sync"

	"github.com/avaish/nanodb/internal/storage/buffer"
	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/pager"
	"github.com/avaish/nanodb/internal/storage/txn"
)

// TupleRef is a tuple's physical address: the data page it lives on and
// its slot within that page. This is also the "uniquifier" the B+Tree
// index package appends to index keys, so a secondary index can always
// find the exact heap row a key belongs to even when two rows share a
// logical key.
type TupleRef struct {
	PageNo uint32
	Slot   uint16
}

func (r TupleRef) String() string { return fmt.Sprintf("(page=%d,slot=%d)", r.PageNo, r.Slot) }

// RowEventKind identifies what happened to a row.
type RowEventKind int

const (
	RowInserted RowEventKind = iota
	RowUpdated
	RowDeleted
)

// RowEvent is dispatched to every registered Listener after a heap
// mutation commits to the buffer (though not necessarily to disk).
type RowEvent struct {
	Kind RowEventKind
	Ref  TupleRef
	Old  []Value // set for RowUpdated/RowDeleted
	New  []Value // set for RowInserted/RowUpdated
}

// Listener is notified of row events, letting a secondary index keep
// itself synchronized with heap mutations without the heap table package
// importing the index package.
//
// Grounded on storage/scheduler.go's narrow JobExecutor interface idiom,
// generalized from "execute a named job" to "observe a row mutation".
type Listener interface {
	OnRowEvent(table string, ev RowEvent) error
}

// Table is the heap table manager for one table's data file.
type Table struct {
	name string
	file *filemgr.File
	buf  *buffer.Manager
	txn  *txn.Manager
	sess buffer.SessionID

	mu        sync.RWMutex
	schema    Schema
	listeners []Listener
}

// Open attaches a Table manager to an already-open, already-formatted
// heap data file.
func Open(name string, file *filemgr.File, bufmgr *buffer.Manager, txnmgr *txn.Manager, sess buffer.SessionID) (*Table, error) {
	raw, ok := bufmgr.GetPage(sess, file.Name(), 0)
	if !ok {
		loaded, err := file.LoadPage(0, false)
		if err != nil {
			return nil, fmt.Errorf("heap: open %q: %w", name, err)
		}
		if err := bufmgr.AddPage(sess, file.Name(), 0, loaded); err != nil {
			return nil, err
		}
		raw = loaded
	}
	defer bufmgr.UnpinPage(sess, file.Name(), 0, false, pager.LSN{})

	h, err := UnmarshalHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("heap: open %q: %w", name, err)
	}
	return &Table{name: name, file: file, buf: bufmgr, txn: txnmgr, sess: sess, schema: h.Schema}, nil
}

// Create formats a brand new heap data file for schema and attaches a
// Table manager to it.
func Create(name string, file *filemgr.File, bufmgr *buffer.Manager, txnmgr *txn.Manager, sess buffer.SessionID, schema Schema) (*Table, error) {
	hdrBuf, err := MarshalHeader(&Header{Schema: schema, NumPages: 1}, file.PageSize())
	if err != nil {
		return nil, fmt.Errorf("heap: create %q: %w", name, err)
	}
	pager.SetPageCRC(hdrBuf)
	if err := file.StorePage(0, hdrBuf); err != nil {
		return nil, err
	}
	return &Table{name: name, file: file, buf: bufmgr, txn: txnmgr, sess: sess, schema: schema}, nil
}

// Schema returns the table's fixed column list.
func (t *Table) Schema() Schema { return t.schema }

// AddListener registers a row-event observer, typically a secondary
// index's updater.
func (t *Table) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Table) notify(ev RowEvent) error {
	for _, l := range t.listeners {
		if err := l.OnRowEvent(t.name, ev); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) loadHeader() (*Header, []byte, error) {
	raw, ok := t.buf.GetPage(t.sess, t.file.Name(), 0)
	if !ok {
		loaded, err := t.file.LoadPage(0, false)
		if err != nil {
			return nil, nil, err
		}
		if err := t.buf.AddPage(t.sess, t.file.Name(), 0, loaded); err != nil {
			return nil, nil, err
		}
		raw = loaded
	}
	h, err := UnmarshalHeader(raw)
	if err != nil {
		t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})
		return nil, nil, err
	}
	return h, raw, nil
}

func (t *Table) loadDataPage(pageNo uint32, create bool) (*Page, []byte, error) {
	raw, ok := t.buf.GetPage(t.sess, t.file.Name(), pageNo)
	if !ok {
		loaded, err := t.file.LoadPage(pageNo, create)
		if err != nil {
			return nil, nil, err
		}
		if !create {
			if err := pager.VerifyPageCRC(loaded); err != nil {
				return nil, nil, err
			}
		}
		if len(loaded) > 0 && pager.PageTypeOf(loaded) == pager.PageTypeUnused && create {
			loaded = NewPage(t.file.PageSize(), pageNo).Bytes()
		}
		if err := t.buf.AddPage(t.sess, t.file.Name(), pageNo, loaded); err != nil {
			return nil, nil, err
		}
		raw = loaded
	}
	p, err := Wrap(raw)
	if err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

// GetTuple returns the decoded values at ref, or ok=false if the slot is
// empty (the tuple was deleted).
func (t *Table) GetTuple(ref TupleRef) (vals []Value, ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, _, err := t.loadDataPage(ref.PageNo, false)
	if err != nil {
		return nil, false, err
	}
	defer t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
	data, ok := p.Tuple(int(ref.Slot))
	if !ok {
		return nil, false, nil
	}
	vals, err = DecodeTuple(&t.schema, data)
	if err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

// GetFirstTuple begins a full-table scan, returning the first live
// tuple's reference and values, or ok=false if the table is empty.
func (t *Table) GetFirstTuple() (TupleRef, []Value, bool, error) {
	return t.scanFrom(1, 0)
}

// GetNextTuple continues a scan from after cur.
func (t *Table) GetNextTuple(cur TupleRef) (TupleRef, []Value, bool, error) {
	return t.scanFrom(cur.PageNo, int(cur.Slot)+1)
}

func (t *Table) scanFrom(startPage uint32, startSlot int) (TupleRef, []Value, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, _, err := t.loadHeader()
	if err != nil {
		return TupleRef{}, nil, false, err
	}
	defer t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})

	for pageNo := startPage; pageNo < h.NumPages; pageNo++ {
		slot := 0
		if pageNo == startPage {
			slot = startSlot
		}
		p, _, err := t.loadDataPage(pageNo, false)
		if err != nil {
			return TupleRef{}, nil, false, err
		}
		for ; slot < p.NumSlots(); slot++ {
			data, ok := p.Tuple(slot)
			if !ok {
				continue
			}
			vals, err := DecodeTuple(&t.schema, data)
			t.buf.UnpinPage(t.sess, t.file.Name(), pageNo, false, pager.LSN{})
			if err != nil {
				return TupleRef{}, nil, false, err
			}
			return TupleRef{PageNo: pageNo, Slot: uint16(slot)}, vals, true, nil
		}
		t.buf.UnpinPage(t.sess, t.file.Name(), pageNo, false, pager.LSN{})
	}
	return TupleRef{}, nil, false, nil
}

// AddTuple encodes vals and inserts them into the first data page with
// room, allocating a new page if none has space. It logs the insert to
// the WAL under ts and dispatches a RowInserted event.
func (t *Table) AddTuple(ts *txn.TxnState, vals []Value) (TupleRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := EncodeTuple(&t.schema, vals)
	if err != nil {
		return TupleRef{}, err
	}

	h, hdrRaw, err := t.loadHeader()
	if err != nil {
		return TupleRef{}, err
	}
	numPages := h.NumPages

	for pageNo := uint32(1); pageNo < numPages; pageNo++ {
		p, _, err := t.loadDataPage(pageNo, false)
		if err != nil {
			t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})
			return TupleRef{}, err
		}
		before := append([]byte(nil), p.Bytes()...)
		slot, ok := p.InsertTuple(data)
		if !ok {
			t.buf.UnpinPage(t.sess, t.file.Name(), pageNo, false, pager.LSN{})
			continue
		}
		lsn, err := t.txn.LogUpdate(ts, t.file.Name(), pageNo, 0, before, append([]byte(nil), p.Bytes()...))
		if err != nil {
			t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})
			return TupleRef{}, err
		}
		pager.SetPageCRC(p.Bytes())
		t.buf.UnpinPage(t.sess, t.file.Name(), pageNo, true, lsn)
		t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})
		ref := TupleRef{PageNo: pageNo, Slot: uint16(slot)}
		if err := t.notify(RowEvent{Kind: RowInserted, Ref: ref, New: vals}); err != nil {
			return TupleRef{}, err
		}
		return ref, nil
	}

	// No existing page had room: allocate a new one.
	newPageNo := numPages
	p, _, err := t.loadDataPage(newPageNo, true)
	if err != nil {
		return TupleRef{}, err
	}
	before := append([]byte(nil), p.Bytes()...)
	slot, ok := p.InsertTuple(data)
	if !ok {
		t.buf.UnpinPage(t.sess, t.file.Name(), newPageNo, false, pager.LSN{})
		return TupleRef{}, fmt.Errorf("heap: tuple too large for an empty page")
	}
	lsn, err := t.txn.LogUpdate(ts, t.file.Name(), newPageNo, 0, before, append([]byte(nil), p.Bytes()...))
	if err != nil {
		return TupleRef{}, err
	}
	pager.SetPageCRC(p.Bytes())
	t.buf.UnpinPage(t.sess, t.file.Name(), newPageNo, true, lsn)

	h.NumPages = newPageNo + 1
	h.NumTuples++
	if err := t.rewriteHeader(ts, h, hdrRaw); err != nil {
		t.buf.UnpinPage(t.sess, t.file.Name(), 0, false, pager.LSN{})
		return TupleRef{}, err
	}

	ref := TupleRef{PageNo: newPageNo, Slot: uint16(slot)}
	if err := t.notify(RowEvent{Kind: RowInserted, Ref: ref, New: vals}); err != nil {
		return TupleRef{}, err
	}
	return ref, nil
}

// UpdateTuple replaces the values at ref in place (the page may grow or
// shrink its tuple-data region as needed) and dispatches a RowUpdated event.
func (t *Table) UpdateTuple(ts *txn.TxnState, ref TupleRef, newVals []Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	newData, err := EncodeTuple(&t.schema, newVals)
	if err != nil {
		return err
	}
	p, _, err := t.loadDataPage(ref.PageNo, false)
	if err != nil {
		return err
	}
	oldData, ok := p.Tuple(int(ref.Slot))
	if !ok {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return fmt.Errorf("heap: UpdateTuple: %s is empty", ref)
	}
	oldVals, err := DecodeTuple(&t.schema, oldData)
	if err != nil {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return err
	}

	before := append([]byte(nil), p.Bytes()...)
	if ok := p.UpdateTuple(int(ref.Slot), newData); !ok {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return fmt.Errorf("heap: UpdateTuple: %s has no room for the new value", ref)
	}
	lsn, err := t.txn.LogUpdate(ts, t.file.Name(), ref.PageNo, 0, before, append([]byte(nil), p.Bytes()...))
	if err != nil {
		return err
	}
	pager.SetPageCRC(p.Bytes())
	t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, true, lsn)

	return t.notify(RowEvent{Kind: RowUpdated, Ref: ref, Old: oldVals, New: newVals})
}

// DeleteTuple tombstones the tuple at ref and dispatches a RowDeleted event.
func (t *Table) DeleteTuple(ts *txn.TxnState, ref TupleRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, _, err := t.loadDataPage(ref.PageNo, false)
	if err != nil {
		return err
	}
	oldData, ok := p.Tuple(int(ref.Slot))
	if !ok {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return fmt.Errorf("heap: DeleteTuple: %s is already empty", ref)
	}
	oldVals, err := DecodeTuple(&t.schema, oldData)
	if err != nil {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return err
	}

	before := append([]byte(nil), p.Bytes()...)
	if err := p.DeleteTuple(int(ref.Slot)); err != nil {
		t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, false, pager.LSN{})
		return err
	}
	lsn, err := t.txn.LogUpdate(ts, t.file.Name(), ref.PageNo, 0, before, append([]byte(nil), p.Bytes()...))
	if err != nil {
		return err
	}
	pager.SetPageCRC(p.Bytes())
	t.buf.UnpinPage(t.sess, t.file.Name(), ref.PageNo, true, lsn)

	return t.notify(RowEvent{Kind: RowDeleted, Ref: ref, Old: oldVals})
}

// rewriteHeader overwrites the contents of the already-pinned header
// page buffer hdrRaw with h's encoding, logs the change, and unpins it
// dirty. Callers must hold the page-0 pin obtained from loadHeader and
// must not unpin it themselves on the success path.
func (t *Table) rewriteHeader(ts *txn.TxnState, h *Header, hdrRaw []byte) error {
	before := append([]byte(nil), hdrRaw...)
	after, err := MarshalHeader(h, t.file.PageSize())
	if err != nil {
		return err
	}
	lsn, err := t.txn.LogUpdate(ts, t.file.Name(), 0, 0, before, after)
	if err != nil {
		return err
	}
	copy(hdrRaw, after)
	pager.SetPageCRC(hdrRaw)
	t.buf.UnpinPage(t.sess, t.file.Name(), 0, true, lsn)
	return nil
}

// AnalyzeTable recomputes per-column NULL counts by scanning every live
// tuple, for the query planner's statistics.
func (t *Table) AnalyzeTable() (ColumnStats, error) {
	stats := make(ColumnStats, len(t.schema.Columns))
	ref, vals, ok, err := t.GetFirstTuple()
	for ok {
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			if v == nil {
				stats[i].NullCount++
			}
			stats[i].RowCount++
		}
		ref, vals, ok, err = t.GetNextTuple(ref)
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ColumnStats holds one entry per column, indexed to match Schema.Columns.
type ColumnStats []struct {
	NullCount uint64
	RowCount  uint64
}
