package vfs

import "github.com/nanokern/kernel/internal/kerr"

// VFS composes the inode cache, mount table, and resolver into the single
// entry point process-level syscalls (open/read/write/mkdir/...) call
// through (spec.md §4.4).
type VFS struct {
	Cache    *Cache
	Mounts   *MountTable
	Resolver *Resolver
	Root     *Inode
}

func New(root *Inode) *VFS {
	cache := NewCache()
	cache.Insert(root)
	mounts := NewMountTable()
	mounts.DoMount(nil, "root", root.FS, nil)
	return &VFS{
		Cache:    cache,
		Mounts:   mounts,
		Resolver: NewResolver(cache, mounts),
		Root:     root,
	}
}

// Open resolves path and honors O_CREAT/O_EXCL/O_TRUNC on the final
// component (spec.md §4.4).
func (v *VFS) Open(cwd *Inode, path string, flags int, mode uint32) (*OpenFile, kerr.Errno) {
	dir, name, errno := v.Resolver.ResolveParent(v.Root, cwd, path)
	if !errno.Ok() {
		return nil, errno
	}

	child, lookupErrno := dir.Ops.Lookup(dir, name)
	switch {
	case lookupErrno.Ok():
		if flags&OCREAT != 0 && flags&OEXCL != 0 {
			return nil, kerr.Exists
		}
		if cached, ok := v.Cache.Get(child.Key); ok {
			child = cached
		} else {
			v.Cache.Insert(child)
		}
	case lookupErrno == kerr.NotFound && flags&OCREAT != 0:
		created, errno := dir.Ops.Link(dir, name, nil) // nil target => driver allocates a fresh inode
		if !errno.Ok() {
			return nil, errno
		}
		child = created
		v.Cache.Insert(child)
	default:
		return nil, lookupErrno
	}

	if child.Type == TypeDir && (flags&OWRONLY != 0 || flags&ORDWR != 0) {
		return nil, kerr.IsDirectory
	}
	if flags&ODIRECTORY != 0 && child.Type != TypeDir {
		return nil, kerr.NotDirectory
	}
	if flags&OTRUNC != 0 && child.Type == TypeFile {
		if errno := child.Ops.Truncate(child, 0); !errno.Ok() {
			return nil, errno
		}
	}
	return NewOpenFile(child, flags), kerr.OK
}

// Read reads into buf at the file's current cursor, advancing it.
func (v *VFS) Read(f *OpenFile, buf []byte) (int, kerr.Errno) {
	ino := f.Inode
	ino.DataLock.RLock()
	defer ino.DataLock.RUnlock()
	off := f.advance(0) // peek without advancing yet; real advance happens below
	n, errno := ino.Ops.Read(ino, off, buf)
	if errno.Ok() {
		f.advance(int64(n))
	}
	return n, errno
}

// Write writes buf at the file's current cursor (or at EOF if O_APPEND),
// advancing it.
func (v *VFS) Write(f *OpenFile, buf []byte) (int, kerr.Errno) {
	ino := f.Inode
	ino.DataLock.Lock()
	defer ino.DataLock.Unlock()
	off := f.advance(int64(len(buf)))
	n, errno := ino.Ops.Write(ino, off, buf)
	return n, errno
}

// Mkdir creates a directory at path. Directory-link-count maintenance
// (spec.md §4.4 invariant ii) is the filesystem driver's responsibility;
// vfs only dispatches.
func (v *VFS) Mkdir(cwd *Inode, path string, mode uint32) kerr.Errno {
	dir, name, errno := v.Resolver.ResolveParent(v.Root, cwd, path)
	if !errno.Ok() {
		return errno
	}
	if _, errno := dir.Ops.Lookup(dir, name); errno.Ok() {
		return kerr.Exists
	}
	md, ok := dir.FS.(interface {
		Mkdir(parent *Inode, name string, mode uint32) kerr.Errno
	})
	if !ok {
		return kerr.Invalid
	}
	return md.Mkdir(dir, name, mode)
}

// Rmdir removes an empty directory (spec.md §4.4 edge case iv, inverted:
// rmdir specifically targets directories; unlink on a non-empty directory
// also fails with NotEmpty per that same rule).
func (v *VFS) Rmdir(cwd *Inode, path string) kerr.Errno {
	dir, name, errno := v.Resolver.ResolveParent(v.Root, cwd, path)
	if !errno.Ok() {
		return errno
	}
	if name == "." || name == ".." {
		return kerr.Invalid
	}
	child, errno := dir.Ops.Lookup(dir, name)
	if !errno.Ok() {
		return errno
	}
	if child.Type != TypeDir {
		return kerr.NotDirectory
	}
	return dir.Ops.Unlink(dir, name)
}

// Unlink removes a directory entry. Removing "." or ".." is always
// Invalid (spec.md edge case vi); removing a non-empty directory is
// NotEmpty (edge case iv), left to the driver since only it knows the
// child count cheaply.
func (v *VFS) Unlink(cwd *Inode, path string) kerr.Errno {
	dir, name, errno := v.Resolver.ResolveParent(v.Root, cwd, path)
	if !errno.Ok() {
		return errno
	}
	if name == "." || name == ".." {
		return kerr.Invalid
	}
	return dir.Ops.Unlink(dir, name)
}

// Link creates a new hard link to an existing inode.
func (v *VFS) Link(cwd *Inode, oldPath, newPath string) kerr.Errno {
	target, errno := v.Resolver.Resolve(v.Root, cwd, oldPath)
	if !errno.Ok() {
		return errno
	}
	if target.Type == TypeDir {
		return kerr.Permission
	}
	dir, name, errno := v.Resolver.ResolveParent(v.Root, cwd, newPath)
	if !errno.Ok() {
		return errno
	}
	if _, errno := dir.Ops.Lookup(dir, name); errno.Ok() {
		return kerr.Exists
	}
	if target.Dev != dir.Dev {
		return kerr.CrossDevice
	}
	_, errno = dir.Ops.Link(dir, name, target)
	return errno
}

// Rename implements spec.md §4.4's edge cases: renaming a directory into
// its own descendant fails Invalid; across filesystems fails CrossDevice;
// renaming "." or ".." fails Invalid; type mismatches fail
// IsDirectory/NotDirectory.
func (v *VFS) Rename(cwd *Inode, oldPath, newPath string) kerr.Errno {
	oldDir, oldName, errno := v.Resolver.ResolveParent(v.Root, cwd, oldPath)
	if !errno.Ok() {
		return errno
	}
	if oldName == "." || oldName == ".." {
		return kerr.Invalid
	}
	src, errno := oldDir.Ops.Lookup(oldDir, oldName)
	if !errno.Ok() {
		return errno
	}

	newDir, newName, errno := v.Resolver.ResolveParent(v.Root, cwd, newPath)
	if !errno.Ok() {
		return errno
	}
	if newName == "." || newName == ".." {
		return kerr.Invalid
	}
	if src.Dev != newDir.Dev {
		return kerr.CrossDevice
	}
	if oldPath == newPath {
		return kerr.OK // no-op rename preserves link count (spec.md §8 law)
	}

	if dst, errno := newDir.Ops.Lookup(newDir, newName); errno.Ok() {
		if dst.Type == TypeDir && src.Type != TypeDir {
			return kerr.IsDirectory
		}
		if dst.Type != TypeDir && src.Type == TypeDir {
			return kerr.NotDirectory
		}
	}

	if src.Type == TypeDir && isDescendant(v, src, newDir) {
		return kerr.Invalid
	}

	rn, ok := oldDir.FS.(interface {
		Rename(oldDir *Inode, oldName string, newDir *Inode, newName string) kerr.Errno
	})
	if !ok {
		return kerr.Invalid
	}
	return rn.Rename(oldDir, oldName, newDir, newName)
}

// isDescendant reports whether candidate is dir or an ancestor-of-dir walk
// reaches candidate, used to reject rename(a/b, a/b/c)-style moves into a
// directory's own subtree (spec.md edge case iii).
func isDescendant(v *VFS, candidate, dir *Inode) bool {
	cur := dir
	for i := 0; i < 4096; i++ { // bounded: a real tree cannot cycle except at root
		if cur.Key == candidate.Key {
			return true
		}
		parent, errno := cur.Ops.Lookup(cur, "..")
		if !errno.Ok() {
			return false
		}
		if parent.Key == cur.Key {
			return false // reached root's self-referential ".."
		}
		cur = parent
	}
	return false
}

// Stat-equivalent accessor; syscalls marshal this into the user-visible
// stat struct (internal/syscall).
func (v *VFS) Lookup(cwd *Inode, path string) (*Inode, kerr.Errno) {
	return v.Resolver.Resolve(v.Root, cwd, path)
}
