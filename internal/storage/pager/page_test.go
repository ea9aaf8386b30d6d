package pager

import "testing"

func TestNewPageHeaderRoundTrip(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeHeapData, 7)
	if len(buf) != DefaultPageSize {
		t.Fatalf("page length = %d, want %d", len(buf), DefaultPageSize)
	}
	h := UnmarshalHeader(buf)
	if h.Type != PageTypeHeapData {
		t.Errorf("Type = %v, want HeapData", h.Type)
	}
	if h.PageNo != 7 {
		t.Errorf("PageNo = %d, want 7", h.PageNo)
	}
}

func TestPageCRCDetectsCorruption(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeBTreeLeaf, 3)
	SetPageLSN(buf, LSN{FileNo: 1, Offset: 42})
	SetPageCRC(buf)

	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("VerifyPageCRC on an untouched page: %v", err)
	}

	buf[100] ^= 0xFF
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected VerifyPageCRC to detect the corrupted byte")
	}
}

func TestPageLSNHelpers(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeHeapHeader, 0)
	want := LSN{FileNo: 3, Offset: 128}
	SetPageLSN(buf, want)
	if got := PageLSN(buf); got != want {
		t.Errorf("PageLSN() = %v, want %v", got, want)
	}
}

func TestPageTypeString(t *testing.T) {
	cases := map[PageType]string{
		PageTypeHeapData:   "HeapData",
		PageTypeBTreeInner: "BTreeInner",
		PageType(0xAB):     "Unknown(0xab)",
	}
	for pt, want := range cases {
		if got := pt.String(); got != want {
			t.Errorf("PageType(%d).String() = %q, want %q", pt, got, want)
		}
	}
}
