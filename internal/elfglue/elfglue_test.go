package elfglue

import (
	"testing"

	"github.com/nanokern/kernel/internal/arch/x86"
	"github.com/nanokern/kernel/internal/mm"
)

func freshSpace(t *testing.T) (*mm.FrameDB, *mm.AddressSpace) {
	t.Helper()
	frames := mm.NewFrameDB(1 << 16)
	as, errno := mm.NewAddressSpace(frames)
	if !errno.Ok() {
		t.Fatalf("NewAddressSpace: %v", errno)
	}
	return frames, as
}

func TestMapSegmentCopiesFileBytesAndZerosBSS(t *testing.T) {
	frames, as := freshSpace(t)

	data := []byte("hello, exec")
	seg := Segment{
		VAddr:    mm.LowestUserAddr + 16,
		FileSize: uint32(len(data)),
		MemSize:  x86.PageSize + 16, // spills one byte into a second page, all BSS
		Writable: true,
		Data:     data,
	}

	if errno := MapSegment(as, frames, as.ID(), seg); !errno.Ok() {
		t.Fatalf("MapSegment: %v", errno)
	}

	firstPage := seg.VAddr &^ (x86.PageSize - 1)
	frame, ok := as.Translate(firstPage)
	if !ok {
		t.Fatal("first page not mapped")
	}
	buf := frames.ReadFrame(frame)
	got := buf[16 : 16+len(data)]
	if string(got) != string(data) {
		t.Fatalf("file bytes not copied: got %q", got)
	}
	// bytes just past FileSize within the same page must be zero (BSS).
	for i := 16 + len(data); i < x86.PageSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}

	secondPage := firstPage + x86.PageSize
	if _, ok := as.Translate(secondPage); !ok {
		t.Fatal("second page (pure BSS tail) not mapped")
	}
}

func TestMapSegmentRejectsAddressOutsideUserRange(t *testing.T) {
	frames, as := freshSpace(t)

	seg := Segment{VAddr: 0, FileSize: 4, MemSize: 4, Data: []byte{1, 2, 3, 4}}
	if errno := MapSegment(as, frames, as.ID(), seg); errno.Ok() {
		t.Fatal("expected BadAddress for a segment below the user/kernel boundary")
	}
}

func TestMapSegmentRejectsFileSizeExceedingMemSize(t *testing.T) {
	frames, as := freshSpace(t)

	seg := Segment{VAddr: mm.LowestUserAddr, FileSize: 8, MemSize: 4, Data: make([]byte, 8)}
	if errno := MapSegment(as, frames, as.ID(), seg); errno.Ok() {
		t.Fatal("expected BadAddress when FileSize exceeds MemSize")
	}
}

func TestMapImageRollsBackOnLaterSegmentFailure(t *testing.T) {
	frames, as := freshSpace(t)

	good := Segment{VAddr: mm.LowestUserAddr, FileSize: 4, MemSize: x86.PageSize, Writable: true, Data: []byte{1, 2, 3, 4}}
	bad := Segment{VAddr: 0, FileSize: 4, MemSize: 4, Data: []byte{1, 2, 3, 4}}

	before := frames.FreeCount()
	if errno := MapImage(as, frames, as.ID(), Image{Segments: []Segment{good, bad}}); errno.Ok() {
		t.Fatal("expected MapImage to fail on the bad segment")
	}
	if _, ok := as.Translate(good.VAddr); ok {
		t.Fatal("good segment should have been unmapped on rollback")
	}
	// The page table Map allocated for the good segment's directory slot
	// stays with the address space until ReleasePageTables; every frame
	// the segment itself mapped comes back.
	if got := frames.FreeCount(); got != before-1 {
		t.Fatalf("frames leaked on rollback: before=%d after=%d", before, got)
	}
}
