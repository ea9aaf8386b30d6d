package txn

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// fakePages is a minimal in-memory PageAccess: one flat byte slice per
// (file,pageNo), big enough to exercise LogUpdate/Rollback without a real
// buffer manager.
type fakePages struct {
	data map[string][]byte
}

func newFakePages() *fakePages { return &fakePages{data: make(map[string][]byte)} }

func (p *fakePages) key(file string, pageNo uint32) string { return fmt.Sprintf("%s#%d", file, pageNo) }

func (p *fakePages) ensure(file string, pageNo uint32, minLen int) []byte {
	k := p.key(file, pageNo)
	buf := p.data[k]
	if len(buf) < minLen {
		grown := make([]byte, minLen)
		copy(grown, buf)
		buf = grown
		p.data[k] = buf
	}
	return buf
}

func (p *fakePages) ReadRange(file string, pageNo uint32, offset, length uint16) ([]byte, error) {
	buf := p.ensure(file, pageNo, int(offset)+int(length))
	out := make([]byte, length)
	copy(out, buf[offset:int(offset)+int(length)])
	return out, nil
}

func (p *fakePages) WriteRange(file string, pageNo uint32, offset uint16, data []byte, lsn pager.LSN) error {
	buf := p.ensure(file, pageNo, int(offset)+len(data))
	copy(buf[offset:], data)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakePages) {
	t.Helper()
	w, err := OpenWAL(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	pages := newFakePages()
	return New(w, pages, GlobalState{}), pages
}

func TestBeginLogUpdateCommitDeactivatesTxn(t *testing.T) {
	m, pages := newTestManager(t)
	ts := m.Begin(false)

	lsn, err := m.LogUpdate(ts, "t.heap", 1, 10, []byte("old"), []byte("new"))
	if err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}
	if err := pages.WriteRange("t.heap", 1, 10, []byte("new"), lsn); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}

	if err := m.Commit(ts); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ts.Active {
		t.Fatal("expected Active=false after Commit")
	}
}

func TestForceWALIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ts := m.Begin(false)
	lsn, err := m.LogUpdate(ts, "t.heap", 1, 0, []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}
	if err := m.forceWAL(lsn); err != nil {
		t.Fatalf("first forceWAL: %v", err)
	}
	before := m.durableThrough
	if err := m.forceWAL(lsn); err != nil {
		t.Fatalf("second forceWAL: %v", err)
	}
	if m.durableThrough != before {
		t.Fatalf("forceWAL was not idempotent: durableThrough moved from %v to %v", before, m.durableThrough)
	}
}

func TestRollbackRestoresBeforeImageAndEmitsCLR(t *testing.T) {
	m, pages := newTestManager(t)
	ts := m.Begin(false)

	lsn, err := m.LogUpdate(ts, "t.heap", 1, 0, []byte("before"), []byte("after!"))
	if err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}
	if err := pages.WriteRange("t.heap", 1, 0, []byte("after!"), lsn); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}

	if err := m.Rollback(ts); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ts.Active {
		t.Fatal("expected Active=false after Rollback")
	}

	got, err := pages.ReadRange("t.heap", 1, 0, 6)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(got, []byte("before")) {
		t.Fatalf("page after rollback = %q, want %q", got, "before")
	}

	var sawCLR bool
	if err := m.wal.ReadAll(func(r *Record) error {
		if r.Type == RecordCLR {
			sawCLR = true
		}
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !sawCLR {
		t.Fatal("expected Rollback to have logged a CLR record")
	}
}

func TestGlobalStateRoundTrip(t *testing.T) {
	g := GlobalState{NextTxnID: 99, FirstLSN: pager.LSN{FileNo: 2, Offset: 128}, NextLSN: pager.LSN{FileNo: 3, Offset: 4096}}
	buf := MarshalGlobalState(g)
	got := UnmarshalGlobalState(buf)
	if got != g {
		t.Fatalf("GlobalState round trip = %+v, want %+v", got, g)
	}
}

func TestCommitWithNoWritesIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	ts := m.Begin(false)
	if err := m.Commit(ts); err != nil {
		t.Fatalf("Commit with no writes: %v", err)
	}
	var count int
	if err := m.wal.ReadAll(func(r *Record) error { count++; return nil }); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no WAL records for a read-only transaction, got %d", count)
	}
}
