package pager

import "testing"

func TestLSNOrdering(t *testing.T) {
	a := LSN{FileNo: 0, Offset: 100}
	b := LSN{FileNo: 0, Offset: 200}
	c := LSN{FileNo: 1, Offset: 0}

	if !a.Less(b) {
		t.Errorf("expected %v < %v", a, b)
	}
	if !b.Less(c) {
		t.Errorf("expected %v < %v (file rollover)", b, c)
	}
	if a.Less(a) {
		t.Errorf("expected %v not less than itself", a)
	}
	if !a.LessEq(a) {
		t.Errorf("expected %v <= itself", a)
	}
	if !c.Greater(a) {
		t.Errorf("expected %v > %v", c, a)
	}
}

func TestLSNEnd(t *testing.T) {
	l := LSN{FileNo: 2, Offset: 40, RecordSize: 16}
	end := l.End()
	want := LSN{FileNo: 2, Offset: 56}
	if end != want {
		t.Errorf("End() = %v, want %v", end, want)
	}
}

func TestLSNString(t *testing.T) {
	l := LSN{FileNo: 1, Offset: 2, RecordSize: 3}
	if got := l.String(); got != "(1:2+3)" {
		t.Errorf("String() = %q", got)
	}
}
