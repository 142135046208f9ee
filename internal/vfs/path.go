package vfs

import (
	"strings"

	"github.com/nanokern/kernel/internal/kerr"
)

// Resolver walks pathnames component by component, crossing mount points
// transparently (spec.md §4.4).
type Resolver struct {
	cache  *Cache
	mounts *MountTable
}

func NewResolver(cache *Cache, mounts *MountTable) *Resolver {
	return &Resolver{cache: cache, mounts: mounts}
}

// coverPoint returns the inode that a mounted filesystem's root was grafted
// onto, if ino is such a root (spec.md: "when leaving via .. at a mount
// root, it returns to the cover inode's parent").
func (r *Resolver) coverPoint(ino *Inode) *Inode {
	for _, m := range r.mounts.Mounts() {
		if m.Point == nil {
			continue
		}
		if root := m.FS.Root(); root.Key == ino.Key {
			return m.Point
		}
	}
	return nil
}

// crossIn substitutes a mount point directory for the mounted FS's root
// when the resolver is about to descend into (or land on) it.
func (r *Resolver) crossIn(ino *Inode) *Inode {
	ino.mu.Lock()
	mounted := ino.MountedFS
	ino.mu.Unlock()
	if mounted == nil {
		return ino
	}
	return mounted.Root()
}

func splitPath(path string) (absolute bool, comps []string) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return
}

// ResolveParent resolves every component except the last, returning the
// parent directory inode and the trailing component name. This is the
// entry point Open's O_CREAT handling needs.
func (r *Resolver) ResolveParent(root, cwd *Inode, path string) (*Inode, string, kerr.Errno) {
	absolute, comps := splitPath(path)
	if len(comps) == 0 {
		return nil, "", kerr.Invalid
	}
	cur := root
	if !absolute {
		cur = cwd
	}
	cur = r.crossIn(cur)

	for _, name := range comps[:len(comps)-1] {
		next, errno := r.step(cur, name)
		if !errno.Ok() {
			return nil, "", errno
		}
		cur = r.crossIn(next)
	}
	return cur, comps[len(comps)-1], kerr.OK
}

// Resolve fully resolves path, including the final component.
func (r *Resolver) Resolve(root, cwd *Inode, path string) (*Inode, kerr.Errno) {
	absolute, comps := splitPath(path)
	cur := root
	if !absolute {
		cur = cwd
	}
	if len(comps) == 0 {
		return cur, kerr.OK
	}
	cur = r.crossIn(cur)
	for _, name := range comps {
		next, errno := r.step(cur, name)
		if !errno.Ok() {
			return nil, errno
		}
		cur = r.crossIn(next)
	}
	return cur, kerr.OK
}

func (r *Resolver) step(dir *Inode, name string) (*Inode, kerr.Errno) {
	if dir.Type != TypeDir {
		return nil, kerr.NotDirectory
	}
	if name == ".." {
		if cover := r.coverPoint(dir); cover != nil {
			return r.step(cover, "..")
		}
	}
	child, errno := dir.Ops.Lookup(dir, name)
	if !errno.Ok() {
		return nil, errno
	}
	if key, ok := r.cache.Get(child.Key); ok && key != child {
		// Prefer the single cached instance (spec.md §3: "the cache keeps
		// exactly one in-memory inode per (dev, ino)").
		return key, kerr.OK
	} else if !ok {
		r.cache.Insert(child)
	}
	return child, kerr.OK
}
