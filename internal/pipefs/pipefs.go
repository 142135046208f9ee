// Package pipefs implements the anonymous pipe: a fixed-capacity byte ring
// buffer with blocking read/write (spec.md §2 "Pipe FS"). A pipe has no
// path name and is never looked up by the resolver; it is created directly
// (e.g. by the pipe(2) syscall handler) and its two ends are opened and
// closed explicitly through OpenRead/OpenWrite/CloseEnd rather than through
// vfs.Cache's link-count-driven lifetime, since an anonymous pipe has no
// directory entry to be unlinked.
package pipefs

import (
	"sync/atomic"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

// Capacity is the pipe buffer size in bytes (analogous to Linux's PIPE_BUF,
// picked as a round, generous constant rather than spec-mandated).
const Capacity = 4096

// Pipe is the shared ring buffer backing both ends of one pipe(2) pair.
// PollReadable/PollWritable satisfy vfs.Pollable directly so a select(2)
// implementation can type-assert ino.Private.(vfs.Pollable) without caring
// that the underlying object is a pipe specifically.
type Pipe struct {
	lock               ipc.Spinlock
	notEmpty, notFull  *ipc.Cond
	buf                []byte
	r, w, count        int
	readers, writers   int
}

func newPipe() *Pipe {
	p := &Pipe{buf: make([]byte, Capacity)}
	p.notEmpty = ipc.NewCond(&p.lock)
	p.notFull = ipc.NewCond(&p.lock)
	return p
}

func (p *Pipe) AddReader() {
	f := p.lock.Acquire()
	p.readers++
	p.lock.Release(f)
}

func (p *Pipe) AddWriter() {
	f := p.lock.Acquire()
	p.writers++
	p.lock.Release(f)
}

// CloseReader drops the read end; blocked writers must be woken so they can
// observe readers==0 and fail with PipeClosed instead of hanging forever.
func (p *Pipe) CloseReader() {
	f := p.lock.Acquire()
	p.readers--
	if p.readers == 0 {
		p.notFull.Broadcast()
	}
	p.lock.Release(f)
}

// CloseWriter drops the write end; blocked readers must be woken so they
// can observe writers==0 and return EOF (0, OK) instead of hanging forever.
func (p *Pipe) CloseWriter() {
	f := p.lock.Acquire()
	p.writers--
	if p.writers == 0 {
		p.notEmpty.Broadcast()
	}
	p.lock.Release(f)
}

// Read blocks while the buffer is empty and at least one writer remains
// open; it returns (0, OK) once every writer has closed (EOF), matching
// read(2) on a pipe.
func (p *Pipe) Read(buf []byte) (int, kerr.Errno) {
	f := p.lock.Acquire()
	for p.count == 0 && p.writers > 0 {
		f = p.notEmpty.Wait(f)
	}
	if p.count == 0 {
		p.lock.Release(f)
		return 0, kerr.OK
	}
	n := 0
	for n < len(buf) && p.count > 0 {
		buf[n] = p.buf[p.r]
		p.r = (p.r + 1) % len(p.buf)
		p.count--
		n++
	}
	p.notFull.Broadcast()
	p.lock.Release(f)
	return n, kerr.OK
}

// Write blocks while the buffer is full and at least one reader remains
// open; it fails PipeClosed (the kernel's SIGPIPE-equivalent condition, per
// spec.md §7's error vocabulary) once every reader has closed.
func (p *Pipe) Write(buf []byte) (int, kerr.Errno) {
	f := p.lock.Acquire()
	if p.readers == 0 {
		p.lock.Release(f)
		return 0, kerr.PipeClosed
	}
	n := 0
	for n < len(buf) {
		for p.count == len(p.buf) && p.readers > 0 {
			f = p.notFull.Wait(f)
		}
		if p.readers == 0 {
			p.lock.Release(f)
			return n, kerr.PipeClosed
		}
		for n < len(buf) && p.count < len(p.buf) {
			p.buf[p.w] = buf[n]
			p.w = (p.w + 1) % len(p.buf)
			p.count++
			n++
		}
		p.notEmpty.Broadcast()
	}
	p.lock.Release(f)
	return n, kerr.OK
}

func (p *Pipe) PollReadable() bool {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	return p.count > 0 || p.writers == 0
}

func (p *Pipe) PollWritable() bool {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	return p.count < len(p.buf) || p.readers == 0
}

var nextIno uint64

// fsDriver is pipefs's trivial vfs.Filesystem implementation: a pipe inode
// needs some Filesystem value to sit in Inode.FS, but pipes are never
// mounted or resolved by path so Root/Sync/Name are never meaningfully
// called.
type fsDriver struct{}

func (fsDriver) Root() *vfs.Inode { return nil }
func (fsDriver) Sync() kerr.Errno { return kerr.OK }
func (fsDriver) Name() string     { return "pipefs" }

var driver fsDriver

// ops implements vfs.Ops for a pipe inode: Read/Write dispatch to the
// underlying Pipe; every directory-shaped operation fails NotDirectory
// since a pipe inode is never a directory.
type ops struct{}

func (ops) Read(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) {
	return ino.Private.(*Pipe).Read(buf)
}
func (ops) Write(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) {
	return ino.Private.(*Pipe).Write(buf)
}
func (ops) Truncate(ino *vfs.Inode, size int64) kerr.Errno { return kerr.Invalid }
func (ops) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, kerr.Errno) {
	return nil, kerr.NotDirectory
}
func (ops) Link(dir *vfs.Inode, name string, target *vfs.Inode) (*vfs.Inode, kerr.Errno) {
	return nil, kerr.NotDirectory
}
func (ops) Unlink(dir *vfs.Inode, name string) kerr.Errno { return kerr.NotDirectory }
func (ops) Readdir(dir *vfs.Inode, cursor int64) ([]vfs.Dirent, int64, bool, kerr.Errno) {
	return nil, 0, true, kerr.NotDirectory
}

// Release is a no-op: a pipe's lifetime is governed by Pipe's own
// reader/writer refcounts (see CloseReader/CloseWriter), not by
// vfs.Cache's link-count-driven eviction, since anonymous pipes have no
// directory entry and are never inserted into vfs.Cache.
func (ops) Release(ino *vfs.Inode) kerr.Errno { return kerr.OK }

var driverOps ops

// New creates a fresh anonymous pipe inode with neither end open yet;
// callers open each end explicitly via OpenRead/OpenWrite (the pipe(2)
// syscall handler calls both, once each, for the fd pair it returns).
func New() *vfs.Inode {
	ino := atomic.AddUint64(&nextIno, 1)
	vi := vfs.NewInode(vfs.Key{Dev: 0, Ino: ino}, vfs.TypePipe, driverOps, driver)
	vi.Private = newPipe()
	return vi
}

// OpenRead opens the read end of a pipe inode created by New.
func OpenRead(vi *vfs.Inode) *vfs.OpenFile {
	vi.Private.(*Pipe).AddReader()
	return vfs.NewOpenFile(vi, vfs.ORDONLY)
}

// OpenWrite opens the write end of a pipe inode created by New.
func OpenWrite(vi *vfs.Inode) *vfs.OpenFile {
	vi.Private.(*Pipe).AddWriter()
	return vfs.NewOpenFile(vi, vfs.OWRONLY)
}

// CloseEnd drops one reference to f, and once that was the last dup'd
// reference to this particular descriptor, tells the pipe which end just
// closed (inferred from f.Flags, since OpenRead/OpenWrite always set
// ORDONLY/OWRONLY respectively).
func CloseEnd(f *vfs.OpenFile) {
	if !f.Close() {
		return
	}
	p := f.Inode.Private.(*Pipe)
	if f.Flags&vfs.OWRONLY != 0 {
		p.CloseWriter()
	} else {
		p.CloseReader()
	}
}
