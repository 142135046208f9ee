package vfs

import "sync"

// Open flags (spec.md §4.4, §6).
const (
	ORDONLY   = 0x0000
	OWRONLY   = 0x0001
	ORDWR     = 0x0002
	OCREAT    = 0x0040
	OEXCL     = 0x0080
	OTRUNC    = 0x0200
	OAPPEND   = 0x0400
	ODIRECTORY = 0x10000
)

// OpenFile is a (inode, cursor, flags, ref-count) tuple (spec.md §3). The
// cursor is shared across dup()s of the same descriptor, which is why it
// lives here rather than in the per-process FD table slot.
type OpenFile struct {
	mu       sync.Mutex
	Inode    *Inode
	cursor   int64
	Flags    int
	refcount int
}

func NewOpenFile(ino *Inode, flags int) *OpenFile {
	return &OpenFile{Inode: ino, Flags: flags, refcount: 1}
}

func (f *OpenFile) AddRef() { f.mu.Lock(); f.refcount++; f.mu.Unlock() }

// Close drops a reference; it returns true when this was the last one, at
// which point the caller (the FD table) must release the inode.
func (f *OpenFile) Close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refcount--
	return f.refcount == 0
}

func (f *OpenFile) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

func (f *OpenFile) Seek(off int64) {
	f.mu.Lock()
	f.cursor = off
	f.mu.Unlock()
}

// advance moves the cursor by n and returns the position it started from,
// used by Read/Write so concurrent dup'd descriptors serialize correctly.
func (f *OpenFile) advance(n int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.cursor
	if f.Flags&OAPPEND != 0 {
		start = f.Inode.Size
	}
	f.cursor = start + n
	return start
}

// Pollable is implemented by file-like objects whose readiness a select(2)
// caller can query: pipes, sockets, and terminal character devices
// (SPEC_FULL.md §5, generalizing spec.md's raw-socket-only select
// description to every descriptor kind the original ctOS-lineage kernel
// polls).
type Pollable interface {
	PollReadable() bool
	PollWritable() bool
}
