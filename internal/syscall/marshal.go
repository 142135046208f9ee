// Package syscall implements the system-call dispatch table: argument
// validation against the calling process's address space, marshalling
// user-space buffers to and from Go byte slices, and the handlers
// themselves (spec.md §6 "System calls").
package syscall

import (
	"github.com/nanokern/kernel/internal/arch/x86"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/mm"
)

// CopyIn validates that [addr, addr+length) is readable in as and returns
// its contents as a freshly copied Go slice, reading page-by-page through
// frames (spec.md §4.1 "ValidateBuffer"; there is no single contiguous
// backing array to slice directly since physical frames are not adjacent
// in internal/mm's simulated FrameDB).
func CopyIn(as *mm.AddressSpace, frames *mm.FrameDB, addr uint32, length int) ([]byte, kerr.Errno) {
	if length == 0 {
		return nil, kerr.OK
	}
	if errno := as.ValidateBuffer(frames, addr, length, false); !errno.Ok() {
		return nil, errno
	}

	out := make([]byte, length)
	n := 0
	for n < length {
		virt := addr + uint32(n)
		pageBase := virt &^ (x86.PageSize - 1)
		offset := int(virt - pageBase)
		frame, ok := as.Translate(pageBase)
		if !ok {
			return nil, kerr.BadAddress
		}
		chunk := x86.PageSize - offset
		if remaining := length - n; chunk > remaining {
			chunk = remaining
		}
		copy(out[n:n+chunk], frames.ReadFrame(frame)[offset:offset+chunk])
		n += chunk
	}
	return out, kerr.OK
}

// CopyOut validates that [addr, addr+len(data)) is writable in as and
// writes data into it page-by-page.
func CopyOut(as *mm.AddressSpace, frames *mm.FrameDB, addr uint32, data []byte) kerr.Errno {
	if len(data) == 0 {
		return kerr.OK
	}
	if errno := as.ValidateBuffer(frames, addr, len(data), true); !errno.Ok() {
		return errno
	}

	n := 0
	for n < len(data) {
		virt := addr + uint32(n)
		pageBase := virt &^ (x86.PageSize - 1)
		offset := int(virt - pageBase)
		frame, ok := as.Translate(pageBase)
		if !ok {
			return kerr.BadAddress
		}
		chunk := x86.PageSize - offset
		if remaining := len(data) - n; chunk > remaining {
			chunk = remaining
		}
		frames.WriteFrame(frame, offset, data[n:n+chunk])
		n += chunk
	}
	return kerr.OK
}
