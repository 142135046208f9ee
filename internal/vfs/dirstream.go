package vfs

import "github.com/nanokern/kernel/internal/kerr"

// DirStream is a streaming directory-read cursor (SPEC_FULL.md §5,
// generalizing spec.md's single-shot readdir into the repeated-getdents-call
// shape real syscall consumers use). Each call to Next resumes from where
// the previous one left off, driven by the underlying Ops.Readdir's opaque
// cursor rather than re-walking from the start every time.
type DirStream struct {
	dir    *Inode
	cursor int64
	eof    bool
}

// OpenDir begins a directory stream over dir. dir must be a directory.
func OpenDir(dir *Inode) (*DirStream, kerr.Errno) {
	if dir.Type != TypeDir {
		return nil, kerr.NotDirectory
	}
	return &DirStream{dir: dir}, kerr.OK
}

// Next returns up to max entries starting from the stream's current
// position, advancing it. Calling Next again after eof returns an empty
// slice with eof true, matching getdents(2)'s zero-return-means-done
// convention.
func (d *DirStream) Next(max int) ([]Dirent, bool, kerr.Errno) {
	if d.eof {
		return nil, true, kerr.OK
	}
	ents, next, eof, errno := d.dir.Ops.Readdir(d.dir, d.cursor)
	if !errno.Ok() {
		return nil, d.eof, errno
	}
	d.cursor = next
	d.eof = eof
	if max > 0 && len(ents) > max {
		ents = ents[:max]
	}
	return ents, d.eof, kerr.OK
}

// Rewind resets the stream to the start of the directory (rewinddir(3)).
func (d *DirStream) Rewind() {
	d.cursor = 0
	d.eof = false
}
