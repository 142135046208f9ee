package vfs

import (
	"github.com/moby/sys/mountinfo"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
)

// Mount records one mounted filesystem (spec.md §4.4).
type Mount struct {
	Point  *Inode // the covered directory inode, or nil for the root mount
	FS     Filesystem
	Device string
}

// MountTable is the kernel-wide mount table singleton (spec.md §9: "Global
// kernel state ... is modelled as named subsystem singletons ... each
// behind its own lock").
type MountTable struct {
	lock   ipc.Spinlock
	mounts []*Mount
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// openFileCounter lets callers of DoMount/DoUnmount report whether any file
// on a filesystem (or below a mount point) is currently open, and whether
// any process's cwd sits inside it, without vfs needing to know about the
// process table (avoids an import cycle with internal/proc).
type openFileCounter interface {
	OpenFilesBelow(point *Inode) int
	CwdsInside(fs Filesystem) int
}

// DoMount grafts fs onto point. It is rejected if point has open files
// below it (spec.md §4.4).
func (mt *MountTable) DoMount(point *Inode, dev string, fs Filesystem, openFiles openFileCounter) kerr.Errno {
	if point != nil {
		if openFiles != nil && openFiles.OpenFilesBelow(point) > 0 {
			return kerr.Busy
		}
		point.mu.Lock()
		point.MountedFS = fs
		point.mu.Unlock()
	}

	f := mt.lock.Acquire()
	defer mt.lock.Release(f)
	mt.mounts = append(mt.mounts, &Mount{Point: point, FS: fs, Device: dev})
	return kerr.OK
}

// DoUnmount reverses DoMount. It is rejected while any file on fs is open
// or any process's cwd is inside it (spec.md §4.4).
func (mt *MountTable) DoUnmount(fs Filesystem, openFiles openFileCounter) kerr.Errno {
	if openFiles != nil {
		if n := openFiles.CwdsInside(fs); n > 0 {
			return kerr.Busy
		}
	}

	f := mt.lock.Acquire()
	defer mt.lock.Release(f)
	for i, m := range mt.mounts {
		if m.FS == fs {
			if openFiles != nil && openFiles.OpenFilesBelow(m.Point) > 0 {
				return kerr.Busy
			}
			if m.Point != nil {
				m.Point.mu.Lock()
				m.Point.MountedFS = nil
				m.Point.mu.Unlock()
			}
			mt.mounts = append(mt.mounts[:i], mt.mounts[i+1:]...)
			return kerr.OK
		}
	}
	return kerr.NotFound
}

// Mounts returns a snapshot of the current mount table.
func (mt *MountTable) Mounts() []*Mount {
	f := mt.lock.Acquire()
	defer mt.lock.Release(f)
	out := make([]*Mount, len(mt.mounts))
	copy(out, mt.mounts)
	return out
}

// MountInfos renders the mount table as moby/sys/mountinfo rows, the same
// shape that package's own GetMounts parses /proc/self/mountinfo into --
// this kernel has no host /proc to read back from, so introspection callers
// (SPEC_FULL.md §5's procfs-shaped surface) get the table built directly
// instead, keyed by mount order rather than a real parent/child device tree.
func (mt *MountTable) MountInfos() []*mountinfo.Info {
	f := mt.lock.Acquire()
	defer mt.lock.Release(f)

	out := make([]*mountinfo.Info, len(mt.mounts))
	for i, m := range mt.mounts {
		// path resolution doesn't retain a mounted-at string per inode, so
		// every row reports "/" regardless of where it's actually grafted.
		out[i] = &mountinfo.Info{
			ID:         i,
			Parent:     0,
			Root:       "/",
			Mountpoint: "/",
			FSType:     m.FS.Name(),
			Source:     m.Device,
		}
	}
	return out
}
