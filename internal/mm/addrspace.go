package mm

import (
	"github.com/nanokern/kernel/internal/arch/x86"
	"github.com/nanokern/kernel/internal/bitmap"
	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
)

// Layout constants for the 32-bit virtual address space (spec.md §3, §4.1).
const (
	// KernelSharedEnd is the end of the identity-mapped kernel image+BSS
	// area. The page directory entries below it are the "shared kernel
	// mappings" invariant (i): identical across every address space.
	KernelSharedEnd = 16 * 1024 * 1024
	SharedPDEs      = KernelSharedEnd / x86.PTECoverage

	LowestUserAddr = KernelSharedEnd
	UserStackTop   = 0xC0000000

	KernelStackArenaBase = 0xE0000000
	KernelStackArenaTop  = 0xF0000000

	MemIOBase = 0xF0000000
	MemIOTop  = 0xFFC00000

	// SelfMapPDIndex is the last page-directory slot; its entry always
	// points at the PTD's own frame (invariant iv).
	SelfMapPDIndex = x86.PDEsPerPTD - 1

	StackPagesTask = 2 // MM_STACK_PAGES_TASK
	StackPagesGap  = 1 // guard page between neighboring kernel stacks
)

type pageTableSlot struct {
	frame uint32
	pt    *x86.PageTable
}

// AddressSpace is a root page-table directory plus the per-address-space
// allocators spec.md §3 names: a kernel-stack arena and a memory-mapped-I/O
// window.
type AddressSpace struct {
	id    int64
	lock  ipc.Spinlock
	dirs  *FrameDB
	ptd   *x86.PageDir
	ptdFr uint32

	// pdIndex -> page table, for indices >= SharedPDEs (private to this AS).
	tables map[int]*pageTableSlot

	// Shared kernel page tables (pdIndex < SharedPDEs), copied by reference
	// from the kernel template at creation time -- same *pageTableSlot
	// pointer across every address space, satisfying invariant (i).
	shared map[int]*pageTableSlot

	stacks    *StackAllocator
	memioNext uint32
}

var (
	sharedKernelPTs map[int]*pageTableSlot
	nextASID        int64 = 1
)

// InitSharedKernelMappings builds the identity-mapped, read/write,
// supervisor kernel region shared by every address space (spec.md §4.1
// "Initialization"). It must run once, before any AddressSpace is created.
func InitSharedKernelMappings(frames *FrameDB) kerr.Errno {
	sharedKernelPTs = make(map[int]*pageTableSlot, SharedPDEs)
	for pd := 0; pd < SharedPDEs; pd++ {
		ptFrame, errno := frames.Alloc(OwnerKernel)
		if !errno.Ok() {
			return errno
		}
		pt := &x86.PageTable{}
		for i := 0; i < x86.PTEsPerPT; i++ {
			virt := x86.VirtAddr(pd, i)
			if virt >= KernelSharedEnd {
				break
			}
			// identity map: physical == virtual frame number
			phys := virt & 0xFFFFF000
			pt[i] = x86.Make(phys, true /*rw*/, false /*user*/, false)
		}
		sharedKernelPTs[pd] = &pageTableSlot{frame: ptFrame, pt: pt}
	}
	return kerr.OK
}

// NewAddressSpace builds a fresh address space: installs the shared kernel
// PTEs by reference, allocates and installs the PTD's own frame, and wires
// the self-map slot before it is ever loaded into CR3 (spec.md: "CR3 is
// loaded only after the self-map is installed").
func NewAddressSpace(frames *FrameDB) (*AddressSpace, kerr.Errno) {
	if sharedKernelPTs == nil {
		if errno := InitSharedKernelMappings(frames); !errno.Ok() {
			return nil, errno
		}
	}

	ptdFrame, errno := frames.Alloc(OwnerKernel)
	if !errno.Ok() {
		return nil, errno
	}

	as := &AddressSpace{
		id:        nextASID,
		dirs:      frames,
		ptd:       &x86.PageDir{},
		ptdFr:     ptdFrame,
		tables:    make(map[int]*pageTableSlot),
		shared:    sharedKernelPTs,
		memioNext: MemIOBase,
	}
	nextASID++

	for pd, slot := range sharedKernelPTs {
		as.ptd[pd] = x86.Make(slot.frame*x86.PageSize, true, false, false)
	}

	// Self-map: the last PTD slot points at the PTD's own frame, so that
	// once paging is active, PTEs can be read/written through a fixed high
	// virtual address without a secondary mapping (spec.md §9).
	as.ptd[SelfMapPDIndex] = x86.Make(ptdFrame*x86.PageSize, true, false, false)

	as.stacks = newStackAllocator(frames, as.id)

	return as, kerr.OK
}

func (as *AddressSpace) ID() int64 { return as.id }

// SelfMapResolvesToOwnPTD is the invariant check from spec.md §8: "For
// every address space A, the self-map PTD slot resolves to A's own PTD
// page."
func (as *AddressSpace) SelfMapResolvesToOwnPTD() bool {
	return as.ptd[SelfMapPDIndex].FrameAddr() == as.ptdFr*x86.PageSize
}

func (as *AddressSpace) slotFor(pdIndex int, alloc bool) (*pageTableSlot, kerr.Errno) {
	if pdIndex < SharedPDEs {
		return as.shared[pdIndex], kerr.OK
	}
	if s, ok := as.tables[pdIndex]; ok {
		return s, kerr.OK
	}
	if !alloc {
		return nil, kerr.OK
	}
	frame, errno := as.dirs.Alloc(as.id)
	if !errno.Ok() {
		return nil, errno
	}
	s := &pageTableSlot{frame: frame, pt: &x86.PageTable{}}
	as.tables[pdIndex] = s
	as.ptd[pdIndex] = x86.Make(frame*x86.PageSize, true, true, false)
	return s, kerr.OK
}

// Map installs a single 4 KiB mapping, allocating the intermediate page
// table if absent (spec.md §4.1).
func (as *AddressSpace) Map(virt, phys uint32, rw, user, pcd bool) kerr.Errno {
	f := as.lock.Acquire()
	defer as.lock.Release(f)

	pd := x86.PDIndex(virt)
	pt := x86.PTIndex(virt)
	slot, errno := as.slotFor(pd, true)
	if !errno.Ok() {
		return errno
	}
	slot.pt[pt] = x86.Make(phys, rw, user, pcd)
	x86.InvalidatePage(virt)
	return kerr.OK
}

// Unmap clears the leaf entry and returns the freed physical frame number
// plus whether one was actually mapped there.
func (as *AddressSpace) Unmap(virt uint32) (uint32, bool) {
	f := as.lock.Acquire()
	defer as.lock.Release(f)

	pd := x86.PDIndex(virt)
	pt := x86.PTIndex(virt)
	slot, _ := as.slotFor(pd, false)
	if slot == nil || !slot.pt[pt].Present() {
		return 0, false
	}
	frame := slot.pt[pt].FrameAddr() / x86.PageSize
	slot.pt[pt] = 0
	x86.InvalidatePage(virt)
	return frame, true
}

// lookup resolves virt to its PTE through the in-memory PTD/PT structures.
// LookupViaRawPTD (used before paging is enabled) and LookupViaSelfMap
// (used once paging is active) both end here for addresses outside the
// self-map slot; mm_test.go asserts that the two agree.
func (as *AddressSpace) lookup(virt uint32) (x86.Entry, bool) {
	pd := x86.PDIndex(virt)
	pt := x86.PTIndex(virt)
	slot, _ := as.slotFor(pd, false)
	if slot == nil {
		return 0, false
	}
	e := slot.pt[pt]
	return e, e.Present()
}

// LookupViaSelfMap emulates reading a live PTE through the recursive
// self-map slot: it resolves pdIndex==SelfMapPDIndex specially, treating
// the PTD's own frame as if it were a page table of PDEs.
func (as *AddressSpace) LookupViaSelfMap(virt uint32) (x86.Entry, bool) {
	pd := x86.PDIndex(virt)
	if pd == SelfMapPDIndex {
		pt := x86.PTIndex(virt)
		return as.ptd[pt], as.ptd[pt].Present()
	}
	return as.lookup(virt)
}

// LookupViaRawPTD resolves virt directly against the in-memory PTD/PT
// structures, the mode used during bootstrap before paging is enabled.
func (as *AddressSpace) LookupViaRawPTD(virt uint32) (x86.Entry, bool) {
	return as.lookup(virt)
}

// Translate returns the physical frame number backing virt, if mapped.
func (as *AddressSpace) Translate(virt uint32) (uint32, bool) {
	e, ok := as.lookup(virt)
	if !ok {
		return 0, false
	}
	return e.FrameAddr() / x86.PageSize, true
}

// MapMemIO backs length bytes of physical MMIO space with identity-offset
// mappings in the reserved window, returning the assigned virtual base.
// Multiple pages requested in one call are guaranteed virtually contiguous;
// independent calls never alias (spec.md §4.1).
func (as *AddressSpace) MapMemIO(phys uint32, length int) (uint32, kerr.Errno) {
	f := as.lock.Acquire()
	pages := (length + x86.PageSize - 1) / x86.PageSize
	base := as.memioNext
	if base+uint32(pages)*x86.PageSize > MemIOTop {
		as.lock.Release(f)
		return 0, kerr.NoMemory
	}
	as.memioNext += uint32(pages) * x86.PageSize
	as.lock.Release(f)

	for i := 0; i < pages; i++ {
		v := base + uint32(i)*x86.PageSize
		p := phys + uint32(i)*x86.PageSize
		if errno := as.Map(v, p, true, false, true); !errno.Ok() {
			return 0, errno
		}
	}
	return base, kerr.OK
}

// ValidateBuffer verifies every page touched by [addr, addr+len) is
// present, user-accessible, and writable if needWrite is set. A zero len
// means "validate as NUL-terminated string": validation stops at the first
// NUL byte, or fails with BadAddress if a page boundary is crossed into an
// unmapped page before a NUL is found (spec.md §4.1).
func (as *AddressSpace) ValidateBuffer(frames *FrameDB, addr uint32, length int, needWrite bool) kerr.Errno {
	if length == 0 {
		return as.validateCString(frames, addr, needWrite)
	}
	end := addr + uint32(length)
	for p := addr &^ (x86.PageSize - 1); p < end; p += x86.PageSize {
		e, ok := as.lookup(p)
		if !ok {
			return kerr.BadAddress
		}
		if !e.UserAccessible() {
			return kerr.BadAddress
		}
		if needWrite && !e.Writable() {
			return kerr.BadAddress
		}
	}
	return kerr.OK
}

func (as *AddressSpace) validateCString(frames *FrameDB, addr uint32, needWrite bool) kerr.Errno {
	p := addr
	for {
		pageBase := p &^ (x86.PageSize - 1)
		e, ok := as.lookup(pageBase)
		if !ok || !e.UserAccessible() || (needWrite && !e.Writable()) {
			return kerr.BadAddress
		}
		frame := e.FrameAddr() / x86.PageSize
		buf := frames.ReadFrame(frame)
		for off := int(p - pageBase); off < x86.PageSize; off++ {
			if buf[off] == 0 {
				return kerr.OK
			}
			p++
		}
		// crossed into the next page without finding NUL; loop continues
		// only if that next page is itself mapped, checked at top of loop.
	}
}

// InitUserArea establishes the user-mode stack for a freshly exec'd image.
func (as *AddressSpace) InitUserArea(stackPages int) (uint32, kerr.Errno) {
	top := uint32(UserStackTop)
	for i := 1; i <= stackPages; i++ {
		frame, errno := as.dirs.Alloc(as.id)
		if !errno.Ok() {
			return 0, errno
		}
		virt := top - uint32(i)*x86.PageSize
		if errno := as.Map(virt, frame*x86.PageSize, true, true, false); !errno.Ok() {
			return 0, errno
		}
	}
	return top, kerr.OK
}

// TeardownUserArea unmaps and frees every user-accessible frame, used
// before exec/exit tears down the previous image.
func (as *AddressSpace) TeardownUserArea() {
	f := as.lock.Acquire()
	ids := make([]int, 0, len(as.tables))
	for pd := range as.tables {
		ids = append(ids, pd)
	}
	as.lock.Release(f)

	for _, pd := range ids {
		slot, _ := as.slotFor(pd, false)
		if slot == nil {
			continue
		}
		for i, e := range slot.pt {
			if e.Present() && e.UserAccessible() {
				as.dirs.Free(e.FrameAddr() / x86.PageSize)
				slot.pt[i] = 0
			}
		}
	}
}

// ReleasePageTables drops all page tables above the shared region, used
// when an address space is destroyed.
func (as *AddressSpace) ReleasePageTables() {
	as.TeardownUserArea()
	f := as.lock.Acquire()
	for pd, slot := range as.tables {
		as.dirs.Free(slot.frame)
		as.ptd[pd] = 0
		delete(as.tables, pd)
	}
	as.lock.Release(f)
	as.dirs.Free(as.ptdFr)
}

// Clone copies the shared kernel PTEs by reference, then for every present
// PTD entry above the shared region copies the underlying page table
// page-by-page to fresh frames (spec.md §4.1 "Per-address-space clone").
// Content is copied too, giving fork() real copy semantics rather than true
// hardware COW (spec.md explicitly does not implement a COW window).
func (as *AddressSpace) Clone() (*AddressSpace, kerr.Errno) {
	child, errno := NewAddressSpace(as.dirs)
	if !errno.Ok() {
		return nil, errno
	}

	f := as.lock.Acquire()
	defer as.lock.Release(f)

	for pd, slot := range as.tables {
		newFrame, errno := as.dirs.Alloc(child.id)
		if !errno.Ok() {
			return nil, errno
		}
		newPT := &x86.PageTable{}
		for i, e := range slot.pt {
			if !e.Present() {
				continue
			}
			srcFrame := e.FrameAddr() / x86.PageSize
			dstFrame, errno := as.dirs.Alloc(child.id)
			if !errno.Ok() {
				return nil, errno
			}
			copy(as.dirs.ReadFrame(dstFrame), as.dirs.ReadFrame(srcFrame))
			newPT[i] = e.WithFrame(dstFrame * x86.PageSize)
		}
		child.tables[pd] = &pageTableSlot{frame: newFrame, pt: newPT}
		child.ptd[pd] = x86.Make(newFrame*x86.PageSize, true, true, false)
	}

	return child, kerr.OK
}

// StackAllocator tracks which kernel-stack slots are in use within an
// address space's stack arena: STACK_PAGES_TASK pages per task with
// STACK_PAGES_GAP guard pages between neighbors (spec.md §3, glossary).
type StackAllocator struct {
	lock   ipc.Spinlock
	frames *FrameDB
	asID   int64
	used   *bitmap.Bitmap
	slots  int
}

func newStackAllocator(frames *FrameDB, asID int64) *StackAllocator {
	slotSize := (StackPagesTask + StackPagesGap) * x86.PageSize
	nSlots := (KernelStackArenaTop - KernelStackArenaBase) / slotSize
	return &StackAllocator{
		frames: frames,
		asID:   asID,
		used:   bitmap.New(int(nSlots)),
		slots:  int(nSlots),
	}
}

// Allocate reserves a new kernel-stack slot and maps fresh frames into it,
// returning the virtual top-of-stack address. Fails with NoStack once the
// arena is exhausted (spec.md §4.1).
func (sa *StackAllocator) Allocate(as *AddressSpace) (uint32, kerr.Errno) {
	f := sa.lock.Acquire()
	idx := sa.used.FirstFree()
	if idx < 0 {
		sa.lock.Release(f)
		return 0, kerr.NoStack
	}
	sa.used.Set(idx)
	sa.lock.Release(f)

	slotSize := uint32(StackPagesTask+StackPagesGap) * x86.PageSize
	slotBase := uint32(KernelStackArenaBase) + uint32(idx)*slotSize

	for p := 0; p < StackPagesTask; p++ {
		frame, errno := sa.frames.Alloc(sa.asID)
		if !errno.Ok() {
			return 0, errno
		}
		virt := slotBase + uint32(p)*x86.PageSize
		if errno := as.Map(virt, frame*x86.PageSize, true, false, false); !errno.Ok() {
			return 0, errno
		}
	}
	top := slotBase + uint32(StackPagesTask)*x86.PageSize
	return top, kerr.OK
}

// Free releases a previously allocated slot identified by its top address.
func (sa *StackAllocator) Free(as *AddressSpace, top uint32) {
	slotSize := uint32(StackPagesTask+StackPagesGap) * x86.PageSize
	slotBase := top - uint32(StackPagesTask)*x86.PageSize
	idx := (slotBase - uint32(KernelStackArenaBase)) / slotSize

	for p := 0; p < StackPagesTask; p++ {
		virt := slotBase + uint32(p)*x86.PageSize
		if frame, ok := as.Unmap(virt); ok {
			sa.frames.Free(frame)
		}
	}

	f := sa.lock.Acquire()
	sa.used.Clear(int(idx))
	sa.lock.Release(f)
}

func (as *AddressSpace) AllocKernelStack() (uint32, kerr.Errno) {
	return as.stacks.Allocate(as)
}

func (as *AddressSpace) FreeKernelStack(top uint32) {
	as.stacks.Free(as, top)
}
