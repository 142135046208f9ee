// Package mm implements the virtual memory manager: the physical page
// frame database, per-address-space page tables, kernel stack arenas, the
// memory-mapped-I/O window, buffer validation, and address-space clone
// (spec.md §4.1).
package mm

import (
	"sync"

	"github.com/nanokern/kernel/internal/arch/x86"
	"github.com/nanokern/kernel/internal/bitmap"
	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
)

// OwnerKernel marks a frame as pinned kernel memory rather than owned by a
// particular address space.
const OwnerKernel = -1

// OwnerNone marks a free frame.
const OwnerNone = -2

// FrameDB is the global physical page frame database: a bitmap of
// used/free state plus an owner tag per frame (spec.md §3 "Page frame").
// Allocation is first-fit by scan.
type FrameDB struct {
	lock    ipc.Spinlock
	used    *bitmap.Bitmap
	owner   []int64
	content map[uint32][]byte // lazily-materialized backing bytes per frame
}

// NewFrameDB creates a frame database covering nFrames physical pages.
func NewFrameDB(nFrames int) *FrameDB {
	return &FrameDB{
		used:    bitmap.New(nFrames),
		owner:   make([]int64, nFrames),
		content: make(map[uint32][]byte),
	}
}

func (f *FrameDB) NumFrames() int { return f.used.Len() }

// Alloc finds a free frame by first-fit scan, marks it used and owned by
// ownerID (OwnerKernel for pinned kernel frames), and returns its frame
// number.
func (f *FrameDB) Alloc(ownerID int64) (uint32, kerr.Errno) {
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)

	idx := f.used.FirstFree()
	if idx < 0 {
		return 0, kerr.NoMemory
	}
	f.used.Set(idx)
	f.owner[idx] = ownerID
	return uint32(idx), kerr.OK
}

// Free returns frame to the pool. It is a programming error to free a frame
// that is not currently allocated; callers (mm.Unmap et al.) are expected
// to have exclusive knowledge of frame ownership.
func (f *FrameDB) Free(frame uint32) {
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)

	f.used.Clear(int(frame))
	f.owner[frame] = OwnerNone
	delete(f.content, frame)
}

// Owner returns the owning address-space ID, or OwnerKernel/OwnerNone.
func (f *FrameDB) Owner(frame uint32) int64 {
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)
	return f.owner[frame]
}

// ReadFrame returns the (zero-initialized on first touch) byte contents of
// a frame, standing in for the physical memory a real kernel would touch
// directly once mapped.
func (f *FrameDB) ReadFrame(frame uint32) []byte {
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)
	buf, ok := f.content[frame]
	if !ok {
		buf = make([]byte, x86.PageSize)
		f.content[frame] = buf
	}
	return buf
}

// WriteFrame overwrites the frame's byte contents in place starting at
// offset.
func (f *FrameDB) WriteFrame(frame uint32, offset int, data []byte) {
	buf := f.ReadFrame(frame)
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)
	copy(buf[offset:], data)
}

// FreeCount reports the number of currently unallocated frames.
func (f *FrameDB) FreeCount() int {
	flags := f.lock.Acquire()
	defer f.lock.Release(flags)
	return f.used.Len() - f.used.Count()
}

var (
	globalOnce sync.Once
	global     *FrameDB
)

// Global returns the process-wide frame database singleton, created with
// the given capacity on first call (subsystem singleton pattern, spec.md §9).
func Global(nFrames int) *FrameDB {
	globalOnce.Do(func() {
		global = NewFrameDB(nFrames)
	})
	return global
}
