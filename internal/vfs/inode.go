// Package vfs implements the virtual file system layer: the generic inode
// contract, the mount table, pathname resolution, and directory streams
// (spec.md §4.4). Concrete filesystems (internal/ext2, internal/fat16,
// internal/pipefs, internal/chardev) implement the Filesystem and Ops
// interfaces this package declares; vfs itself has no on-disk format
// knowledge.
package vfs

import (
	"sync"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
)

// Type is an inode's file type (spec.md §3 "Inode").
type Type int

const (
	TypeFile Type = iota
	TypeDir
	TypeChar
	TypeBlock
	TypePipe
	TypeSymlink
)

// Key identifies an inode in the cache: one in-memory Inode per (dev, ino)
// (spec.md §3, §8 invariant).
type Key struct {
	Dev uint32
	Ino uint64
}

// Dirent is one decoded directory entry, filesystem-agnostic.
type Dirent struct {
	Name string
	Ino  uint64
	Type Type
}

// Ops is the per-type operations table an inode dispatches through (spec.md
// §3). A filesystem driver implements the subset that makes sense for a
// given inode type; operations that don't apply return kerr.Invalid.
type Ops interface {
	Read(ino *Inode, off int64, buf []byte) (int, kerr.Errno)
	Write(ino *Inode, off int64, buf []byte) (int, kerr.Errno)
	Truncate(ino *Inode, size int64) kerr.Errno
	Lookup(dir *Inode, name string) (*Inode, kerr.Errno)
	// Link creates name in dir pointing at target. If target is nil, the
	// driver allocates a fresh inode (the O_CREAT path) and returns it.
	Link(dir *Inode, name string, target *Inode) (*Inode, kerr.Errno)
	Unlink(dir *Inode, name string) kerr.Errno
	Readdir(dir *Inode, cursor int64) (ents []Dirent, next int64, eof bool, errno kerr.Errno)
	Release(ino *Inode) kerr.Errno
}

// Inode is the VFS identity of a file, independent of any path naming it
// (spec.md §3). Inodes are reference counted by the cache.
type Inode struct {
	Key

	Type      Type
	Mode      uint32
	UID, GID  uint32
	Size      int64
	LinkCount int

	Ops Ops
	FS  Filesystem

	// Private is filesystem-private per-inode state (e.g. ext2's on-disk
	// inode record, or fat16's cluster chain head).
	Private interface{}

	// MountedFS is non-nil when this inode is a mount point: path
	// resolution transparently switches to MountedFS.Root() when entering
	// it (spec.md §4.4).
	MountedFS Filesystem

	DataLock *ipc.RWLock // protects Read/Write/Truncate against concurrent access; see NewInode

	mu       sync.Mutex
	refcount int
	unlinked bool
}

// NewInode builds an Inode ready for use; filesystem drivers call this when
// materializing an on-disk inode into memory rather than constructing the
// struct literal directly, since DataLock needs non-zero initialization.
func NewInode(key Key, typ Type, ops Ops, fs Filesystem) *Inode {
	return &Inode{
		Key:      key,
		Type:     typ,
		Ops:      ops,
		FS:       fs,
		DataLock: ipc.NewRWLock(),
	}
}

// Filesystem is a mountable driver: its Root inode anchors the tree, Sync
// flushes dirty state, and Name identifies the driver for mount(2)-style
// dispatch (spec.md §4.4, §6).
type Filesystem interface {
	Root() *Inode
	Sync() kerr.Errno
	Name() string
}

// Cache is the single in-memory inode cache: exactly one *Inode per
// (dev, ino) (spec.md §3, §8 invariant).
type Cache struct {
	lock  ipc.Spinlock
	table map[Key]*Inode
}

func NewCache() *Cache {
	return &Cache{table: make(map[Key]*Inode)}
}

// Get returns the cached inode for key if present, bumping its refcount.
func (c *Cache) Get(key Key) (*Inode, bool) {
	f := c.lock.Acquire()
	defer c.lock.Release(f)
	ino, ok := c.table[key]
	if ok {
		ino.mu.Lock()
		ino.refcount++
		ino.mu.Unlock()
	}
	return ino, ok
}

// Insert adds a freshly looked-up inode to the cache with refcount 1. It is
// the caller's responsibility to ensure no entry already exists for this
// key (callers check Get first).
func (c *Cache) Insert(ino *Inode) {
	f := c.lock.Acquire()
	defer c.lock.Release(f)
	ino.refcount = 1
	c.table[ino.Key] = ino
}

// Put drops one reference; when it reaches zero and the inode has no
// on-disk links left, it is evicted and released through its filesystem
// driver (spec.md §8: refcount==0 && link_count==0 => not present in cache).
func (c *Cache) Put(ino *Inode) kerr.Errno {
	ino.mu.Lock()
	ino.refcount--
	rc := ino.refcount
	linkCount := ino.LinkCount
	ino.mu.Unlock()

	if rc > 0 {
		return kerr.OK
	}
	if rc < 0 {
		// Kernel-invariant violation: ref count must never go negative
		// (spec.md §7 "Unexpected kernel-invariant violations ... trap to
		// an in-kernel debug prompt").
		panic("vfs: inode refcount went negative for " + namefmt(ino.Key))
	}

	if linkCount == 0 {
		f := c.lock.Acquire()
		delete(c.table, ino.Key)
		c.lock.Release(f)
		return ino.Ops.Release(ino)
	}

	// refcount 0 but still linked: keep in cache (LRU eviction is the
	// filesystem's business via Sync/eventual memory pressure, out of
	// scope for this core).
	return kerr.OK
}

// InUse reports whether ino currently has any in-memory references,
// independent of on-disk link count -- used by unlink to decide whether
// storage reclamation must wait for the last close (spec.md §4.4: "An open
// file whose inode has been unlinked remains readable and writable until
// the last descriptor closes").
func (ino *Inode) InUse() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.refcount > 0
}

func namefmt(k Key) string {
	return "(dev=" + itoa(int(k.Dev)) + ",ino=" + itoa(int(k.Ino)) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
