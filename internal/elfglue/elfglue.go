// Package elfglue maps a parsed executable image's segments into a fresh
// address space for exec (spec.md §4.1 "mm_map_user_segment"). Parsing the
// ELF file itself -- section headers, symbol tables, dynamic linking -- is
// an external collaborator's job; this package only consumes the segment
// descriptors that collaborator already extracted and drives
// internal/mm's page-mapping primitives to lay them out.
package elfglue

import (
	"github.com/nanokern/kernel/internal/arch/x86"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/mm"
)

// Segment describes one loadable program segment, already extracted from
// the executable's headers by the caller.
type Segment struct {
	VAddr    uint32 // link-time virtual address, need not be page-aligned
	FileSize uint32 // bytes backed by Data
	MemSize  uint32 // total bytes the segment occupies, >= FileSize
	Writable bool
	Exec     bool
	Data     []byte // exactly FileSize bytes read from the image
}

// Image is the full set of segments plus the entry point an external ELF
// parser extracted for one exec() attempt.
type Image struct {
	Entry    uint32
	Segments []Segment
}

// MapSegment establishes pages covering [seg.VAddr, seg.VAddr+seg.MemSize)
// in as, copies seg.Data into the file-backed portion, and leaves the
// remainder (BSS) zero -- FrameDB.Alloc hands back frames whose backing
// bytes are zero until first write, so no explicit zeroing is needed for
// the tail past FileSize.
//
// Segments must not straddle the user/kernel boundary; any page touching
// an address below mm.LowestUserAddr or at/above mm.UserStackTop is
// rejected with kerr.BadAddress.
func MapSegment(as *mm.AddressSpace, frames *mm.FrameDB, ownerID int64, seg Segment) kerr.Errno {
	if seg.FileSize > seg.MemSize {
		return kerr.BadAddress
	}

	start := seg.VAddr &^ (x86.PageSize - 1)
	end := (seg.VAddr + seg.MemSize + x86.PageSize - 1) &^ (x86.PageSize - 1)
	if end <= start {
		return kerr.OK
	}
	if start < mm.LowestUserAddr || end > mm.UserStackTop {
		return kerr.BadAddress
	}

	mapped := make([]uint32, 0, (end-start)/x86.PageSize)
	rollback := func() {
		for _, v := range mapped {
			if frame, ok := as.Unmap(v); ok {
				frames.Free(frame)
			}
		}
	}

	for virt := start; virt < end; virt += x86.PageSize {
		frame, errno := frames.Alloc(ownerID)
		if !errno.Ok() {
			rollback()
			return errno
		}
		if errno := as.Map(virt, frame*x86.PageSize, seg.Writable, true, false); !errno.Ok() {
			frames.Free(frame)
			rollback()
			return errno
		}
		mapped = append(mapped, virt)

		pageStart := virt
		pageEnd := virt + x86.PageSize
		fileEnd := seg.VAddr + seg.FileSize
		if pageStart >= fileEnd || seg.VAddr >= pageEnd {
			continue // entirely BSS or entirely before the segment starts
		}
		copyStart := maxu32(pageStart, seg.VAddr)
		copyEnd := minu32(pageEnd, fileEnd)
		frames.WriteFrame(frame, int(copyStart-pageStart), seg.Data[copyStart-seg.VAddr:copyEnd-seg.VAddr])
	}
	return kerr.OK
}

// MapImage maps every segment of img into as in order, tearing down
// whatever was already mapped by this call if a later segment fails.
func MapImage(as *mm.AddressSpace, frames *mm.FrameDB, ownerID int64, img Image) kerr.Errno {
	done := 0
	for _, seg := range img.Segments {
		if errno := MapSegment(as, frames, ownerID, seg); !errno.Ok() {
			for i := 0; i < done; i++ {
				unmapRange(as, frames, img.Segments[i])
			}
			return errno
		}
		done++
	}
	return kerr.OK
}

func unmapRange(as *mm.AddressSpace, frames *mm.FrameDB, seg Segment) {
	start := seg.VAddr &^ (x86.PageSize - 1)
	end := (seg.VAddr + seg.MemSize + x86.PageSize - 1) &^ (x86.PageSize - 1)
	for virt := start; virt < end; virt += x86.PageSize {
		if frame, ok := as.Unmap(virt); ok {
			frames.Free(frame)
		}
	}
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
