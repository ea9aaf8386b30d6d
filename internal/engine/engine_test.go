package engine

import (
	"testing"

	"github.com/avaish/nanodb/internal/storage/buffer"
	"github.com/avaish/nanodb/internal/storage/heap"
)

func TestEngineOpenCreatesBaseDir(t *testing.T) {
	dir := t.TempDir() + "/nested/db"
	e, err := Open(Config{BaseDir: dir, PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
}

func TestEngineCheckpointIsIdempotent(t *testing.T) {
	e := openTestEngine(t)
	sess := e.NewSession()
	tbl, err := sess.CreateTable("people", testSchema())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := sess.InsertRow(tbl, []heap.Value{int64(1), "alice"}); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("first Checkpoint: %v", err)
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("second Checkpoint: %v", err)
	}
}

// TestEngineRecoversCommittedDataAfterCrash simulates a crash by opening a
// second Engine over the same directory without ever closing the first
// one (so nothing was checkpointed and the WAL is the only durable
// record), then verifies the committed row survives.
func TestEngineRecoversCommittedDataAfterCrash(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(Config{BaseDir: dir, PageSize: 512})
	if err != nil {
		t.Fatalf("Open (first instance): %v", err)
	}
	sess1 := e1.NewSession()
	tbl1, err := sess1.CreateTable("people", testSchema())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	ref, err := sess1.InsertRow(tbl1, []heap.Value{int64(7), "surviving-row"})
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	// No Close(): the first instance's buffered pages and any
	// background checkpoint are abandoned, as in a real crash.

	e2, err := Open(Config{BaseDir: dir, PageSize: 512})
	if err != nil {
		t.Fatalf("Open (second instance, after recovery): %v", err)
	}
	defer e2.Close()

	sess2 := e2.NewSession()
	tbl2, err := sess2.Table("people")
	if err != nil {
		t.Fatalf("Table after recovery: %v", err)
	}
	vals, ok, err := tbl2.GetTuple(ref)
	if err != nil {
		t.Fatalf("GetTuple after recovery: %v", err)
	}
	if !ok {
		t.Fatal("expected the committed row to have been redone by recovery")
	}
	if vals[0] != int64(7) || vals[1] != "surviving-row" {
		t.Fatalf("recovered row = %v, want [7 surviving-row]", vals)
	}
}

func TestEngineBufferEvictionPreservesWrittenData(t *testing.T) {
	e, err := Open(Config{BaseDir: t.TempDir(), PageSize: 512, CacheBytes: 1024, CachePolicy: buffer.LRU})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	sess := e.NewSession()
	tbl, err := sess.CreateTable("people", testSchema())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	var refs []heap.TupleRef
	for i := 0; i < 30; i++ {
		ref, err := sess.InsertRow(tbl, []heap.Value{int64(i), "row-value-padding-to-fill-pages-faster"})
		if err != nil {
			t.Fatalf("InsertRow %d: %v", i, err)
		}
		refs = append(refs, ref)
	}

	for i, ref := range refs {
		vals, ok, err := tbl.GetTuple(ref)
		if err != nil || !ok {
			t.Fatalf("GetTuple %d after eviction pressure: ok=%v err=%v", i, ok, err)
		}
		if vals[0] != int64(i) {
			t.Fatalf("GetTuple %d = %v, want id %d", i, vals, i)
		}
	}
}
