package filemgr

import (
	"bytes"
	"testing"

	"github.com/avaish/nanodb/internal/storage/pager"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f, err := m.Create("t.heap", FileTypeHeapData, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.Type() != FileTypeHeapData || f.PageSize() != 4096 {
		t.Fatalf("Create gave type=%v pageSize=%d", f.Type(), f.PageSize())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := m.Open("t.heap")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Type() != FileTypeHeapData || reopened.PageSize() != 4096 {
		t.Fatalf("Open gave type=%v pageSize=%d", reopened.Type(), reopened.PageSize())
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	if _, err := m.Create("a.heap", FileTypeHeapData, 4096); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create("a.heap", FileTypeHeapData, 4096); err == nil {
		t.Fatal("expected the second Create of the same name to fail")
	}
}

func TestOpenMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	if _, err := m.Open("nope.heap"); err == nil {
		t.Fatal("expected Open of a nonexistent file to fail")
	}
}

func TestStoreLoadPage(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	f, err := m.Create("t.heap", FileTypeHeapData, 512)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	page := pager.NewPage(512, pager.PageTypeHeapData, 1)
	copy(page[pager.PageHeaderSize:], []byte("hello world"))
	pager.SetPageCRC(page)

	if err := f.StorePage(1, page); err != nil {
		t.Fatalf("StorePage: %v", err)
	}

	got, err := f.LoadPage(1, false)
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("loaded page does not match stored page")
	}
}

func TestLoadPagePastEndOfFile(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	f, _ := m.Create("t.heap", FileTypeHeapData, 512)

	if _, err := f.LoadPage(5, false); err == nil {
		t.Fatal("expected LoadPage without create to fail past EOF")
	}

	buf, err := f.LoadPage(5, true)
	if err != nil {
		t.Fatalf("LoadPage with create: %v", err)
	}
	if len(buf) != 512 {
		t.Fatalf("extended page length = %d, want 512", len(buf))
	}
	n, err := f.NumPages()
	if err != nil {
		t.Fatalf("NumPages: %v", err)
	}
	if n != 6 {
		t.Fatalf("NumPages() = %d, want 6", n)
	}
}

func TestStorePageWrongSizeRejected(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	f, _ := m.Create("t.heap", FileTypeHeapData, 512)
	if err := f.StorePage(1, make([]byte, 256)); err == nil {
		t.Fatal("expected StorePage with the wrong length to fail")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir)
	f, _ := m.Create("t.heap", FileTypeHeapData, 512)
	_ = f.StorePage(0, make([]byte, 512))

	if err := m.Remove("t.heap"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Exists("t.heap") {
		t.Fatal("file still exists after Remove")
	}
}
