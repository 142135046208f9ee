package nbuf

import "testing"

func TestPrependGrowsHeadroomOnDemand(t *testing.T) {
	b := New(10)
	copy(b.Append(10), []byte("0123456789"))
	hdr := b.Prepend(4)
	copy(hdr, []byte{1, 2, 3, 4})
	if b.Len() != 14 {
		t.Fatalf("expected len 14, got %d", b.Len())
	}
	if got := b.Bytes()[:4]; got[0] != 1 || got[3] != 4 {
		t.Fatalf("header not at front: %v", got)
	}
	if string(b.Bytes()[4:]) != "0123456789" {
		t.Fatalf("payload corrupted: %q", b.Bytes()[4:])
	}
}

func TestPrependBeyondDefaultHeadroomReallocates(t *testing.T) {
	b := New(4)
	copy(b.Append(4), []byte("abcd"))
	// Exhaust headroom with many small prepends, forcing at least one grow.
	for i := 0; i < 20; i++ {
		hdr := b.Prepend(16)
		hdr[0] = byte(i)
	}
	if b.Len() != 4+20*16 {
		t.Fatalf("expected len %d, got %d", 4+20*16, b.Len())
	}
	if string(b.Bytes()[len(b.Bytes())-4:]) != "abcd" {
		t.Fatalf("payload displaced after growth: %q", b.Bytes())
	}
}

func TestMarkedOffsetsSurviveGrowth(t *testing.T) {
	b := New(4)
	copy(b.Append(4), []byte("data"))
	b.MarkL4()
	for i := 0; i < 10; i++ {
		b.Prepend(32)
	}
	if string(b.L4()) != "data" {
		t.Fatalf("L4 mark drifted after growth: %q", b.L4())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := New(4)
	copy(b.Append(4), []byte("abcd"))
	b.Proto = 6
	c := b.Clone()
	c.Bytes()[0] = 'X'
	if b.Bytes()[0] != 'a' {
		t.Fatal("clone shares backing storage with original")
	}
	if c.Proto != 6 {
		t.Fatal("clone did not copy metadata")
	}
	if c.TraceID != b.TraceID {
		t.Fatal("fragment clone should share its parent's trace ID")
	}
}

func TestFromBytesWrapsExistingSlice(t *testing.T) {
	raw := []byte{1, 2, 3}
	b := FromBytes(raw)
	if b.Len() != 3 {
		t.Fatalf("expected len 3, got %d", b.Len())
	}
}
