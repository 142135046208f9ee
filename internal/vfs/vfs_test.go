package vfs

import (
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/nanokern/kernel/internal/kerr"
)

// memFS is a trivial in-memory filesystem used only to exercise vfs's
// high-level operations (spec.md §8 seed scenarios), the way go-fuse's own
// test suite drives its API against a throwaway in-memory loopback tree.
type memFS struct {
	root  *Inode
	next  uint64
	dev   uint32
	dirty map[*Inode]map[string]*Inode // dir -> name -> child
	data  map[*Inode][]byte
}

func newMemFS(dev uint32) *memFS {
	fs := &memFS{dev: dev, dirty: make(map[*Inode]map[string]*Inode), data: make(map[*Inode][]byte)}
	root := NewInode(Key{Dev: dev, Ino: 1}, TypeDir, fs, fs)
	root.LinkCount = 2
	fs.next = 2
	fs.dirty[root] = map[string]*Inode{".": root}
	fs.root = root
	return fs
}

func (fs *memFS) Root() *Inode      { return fs.root }
func (fs *memFS) Sync() kerr.Errno  { return kerr.OK }
func (fs *memFS) Name() string      { return "memfs" }

func (fs *memFS) alloc(typ Type) *Inode {
	ino := NewInode(Key{Dev: fs.dev, Ino: fs.next}, typ, fs, fs)
	fs.next++
	if typ == TypeDir {
		ino.LinkCount = 2
		fs.dirty[ino] = map[string]*Inode{".": ino}
	} else {
		ino.LinkCount = 1
	}
	return ino
}

func (fs *memFS) Read(ino *Inode, off int64, buf []byte) (int, kerr.Errno) {
	content := fs.data[ino]
	if off >= int64(len(content)) {
		return 0, kerr.OK
	}
	n := copy(buf, content[off:])
	return n, kerr.OK
}

func (fs *memFS) Write(ino *Inode, off int64, buf []byte) (int, kerr.Errno) {
	content := fs.data[ino]
	need := off + int64(len(buf))
	if int64(len(content)) < need {
		grown := make([]byte, need)
		copy(grown, content)
		content = grown
	}
	copy(content[off:], buf)
	fs.data[ino] = content
	if need > ino.Size {
		ino.Size = need
	}
	return len(buf), kerr.OK
}

func (fs *memFS) Truncate(ino *Inode, size int64) kerr.Errno {
	content := fs.data[ino]
	if int64(len(content)) > size {
		content = content[:size]
	}
	fs.data[ino] = content
	ino.Size = size
	return kerr.OK
}

func (fs *memFS) Lookup(dir *Inode, name string) (*Inode, kerr.Errno) {
	if name == ".." {
		if p, ok := fs.dirty[dir][".."]; ok {
			return p, kerr.OK
		}
		return dir, kerr.OK // root's ".." is itself
	}
	children := fs.dirty[dir]
	if children == nil {
		return nil, kerr.NotFound
	}
	child, ok := children[name]
	if !ok {
		return nil, kerr.NotFound
	}
	return child, kerr.OK
}

// Link creates name in dir pointing at target, or, when target is nil,
// allocates a fresh regular file (the O_CREAT path vfs.Open dispatches
// through).
func (fs *memFS) Link(dir *Inode, name string, target *Inode) (*Inode, kerr.Errno) {
	if fs.dirty[dir] == nil {
		return nil, kerr.NotDirectory
	}
	if target == nil {
		target = fs.alloc(TypeFile)
	} else {
		target.LinkCount++
	}
	fs.dirty[dir][name] = target
	return target, kerr.OK
}

func (fs *memFS) Unlink(dir *Inode, name string) kerr.Errno {
	children := fs.dirty[dir]
	child, ok := children[name]
	if !ok {
		return kerr.NotFound
	}
	if child.Type == TypeDir {
		if len(fs.dirty[child]) > 2 { // more than just "." and ".."
			return kerr.NotEmpty
		}
		delete(fs.dirty, child)
	}
	delete(children, name)
	child.LinkCount--
	return kerr.OK
}

func (fs *memFS) Readdir(dir *Inode, cursor int64) ([]Dirent, int64, bool, kerr.Errno) {
	children := fs.dirty[dir]
	var ents []Dirent
	for name, ino := range children {
		ents = append(ents, Dirent{Name: name, Ino: ino.Ino, Type: ino.Type})
	}
	return ents, 0, true, kerr.OK
}

func (fs *memFS) Release(ino *Inode) kerr.Errno { return kerr.OK }

func (fs *memFS) Mkdir(parent *Inode, name string, mode uint32) kerr.Errno {
	if _, ok := fs.dirty[parent][name]; ok {
		return kerr.Exists
	}
	child := fs.alloc(TypeDir)
	fs.dirty[child][".."] = parent
	fs.dirty[parent][name] = child
	parent.LinkCount++ // spec.md §4.4 invariant ii
	return kerr.OK
}

func (fs *memFS) Rename(oldDir *Inode, oldName string, newDir *Inode, newName string) kerr.Errno {
	child, ok := fs.dirty[oldDir][oldName]
	if !ok {
		return kerr.NotFound
	}
	if dst, exists := fs.dirty[newDir][newName]; exists {
		if errno := fs.Unlink(newDir, newName); !errno.Ok() {
			return errno
		}
		_ = dst
	}
	delete(fs.dirty[oldDir], oldName)
	fs.dirty[newDir][newName] = child
	if child.Type == TypeDir {
		fs.dirty[child][".."] = newDir
		if oldDir != newDir {
			oldDir.LinkCount--
			newDir.LinkCount++
		}
	}
	return kerr.OK
}

func setup() *VFS {
	fs := newMemFS(1)
	return New(fs.root)
}

func TestMkdirLinkCountInvariant(t *testing.T) {
	v := setup()
	if errno := v.Mkdir(v.Root, "/sub", 0755); !errno.Ok() {
		t.Fatalf("mkdir: %v", errno)
	}
	sub, errno := v.Lookup(v.Root, "/sub")
	if !errno.Ok() {
		t.Fatalf("lookup: %v", errno)
	}
	if sub.LinkCount != 2 {
		t.Fatalf("fresh directory link count = %d, want 2", sub.LinkCount)
	}
	if v.Root.LinkCount != 3 {
		t.Fatalf("parent link count after one subdir = %d, want 3", v.Root.LinkCount)
	}
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	v := setup()
	must(t, v.Mkdir(v.Root, "/d", 0755))
	sub, errno := v.Lookup(v.Root, "/d")
	must(t, errno)
	must(t, v.Mkdir(sub, "inner", 0755))

	if errno := v.Unlink(v.Root, "/d"); errno != kerr.NotEmpty {
		t.Fatalf("unlink non-empty dir = %v, want NotEmpty", errno)
	}
}

func TestOpenCreateExclFailsWhenExists(t *testing.T) {
	v := setup()
	f, errno := v.Open(v.Root, "/f", OCREAT, 0644)
	must(t, errno)
	if f == nil {
		t.Fatal("expected open file")
	}
	if _, errno := v.Open(v.Root, "/f", OCREAT|OEXCL, 0644); errno != kerr.Exists {
		t.Fatalf("O_CREAT|O_EXCL on existing file = %v, want Exists", errno)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := setup()
	f, errno := v.Open(v.Root, "/f", OCREAT|ORDWR, 0644)
	must(t, errno)
	n, errno := v.Write(f, []byte("hello"))
	must(t, errno)
	if n != 5 {
		t.Fatalf("write n = %d, want 5", n)
	}
	f.Seek(0)
	buf := make([]byte, 5)
	n, errno = v.Read(f, buf)
	must(t, errno)
	if string(buf[:n]) != "hello" {
		t.Fatalf("read back = %q, want hello", buf[:n])
	}
}

func TestRenameIntoOwnDescendantFails(t *testing.T) {
	v := setup()
	must(t, v.Mkdir(v.Root, "/a", 0755))
	a, errno := v.Lookup(v.Root, "/a")
	must(t, errno)
	fsImpl := a.FS.(*memFS)
	must(t, fsImpl.Mkdir(a, "b", 0755))

	if errno := v.Rename(v.Root, "/a", "/a/b"); errno != kerr.Invalid {
		t.Fatalf("rename into own descendant = %v, want Invalid", errno)
	}
}

func TestRenameNoopPreservesLinkCount(t *testing.T) {
	v := setup()
	must(t, v.Mkdir(v.Root, "/a", 0755))
	before := v.Root.LinkCount
	if errno := v.Rename(v.Root, "/a", "/a"); !errno.Ok() {
		t.Fatalf("noop rename: %v", errno)
	}
	if v.Root.LinkCount != before {
		t.Fatalf("link count changed on no-op rename: %d -> %d", before, v.Root.LinkCount)
	}
}

// TestReaddirListsEntries exercises DirStream end to end against memFS's
// own Readdir, asserting the listing with pretty.Compare the way go-fuse's
// loopback tests diff expected vs. actual directory state on failure rather
// than dumping raw Go struct values.
func TestReaddirListsEntries(t *testing.T) {
	v := setup()
	must(t, v.Mkdir(v.Root, "/sub", 0755))
	must(t, v.Mkdir(v.Root, "/sub/child", 0755))
	f, errno := v.Open(v.Root, "/sub/file.txt", OCREAT|ORDWR, 0644)
	must(t, errno)
	f.Close()

	sub, errno := v.Lookup(v.Root, "/sub")
	must(t, errno)

	stream, errno := OpenDir(sub)
	must(t, errno)
	var got []Dirent
	for {
		ents, eof, errno := stream.Next(0)
		must(t, errno)
		got = append(got, ents...)
		if eof {
			break
		}
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })
	for i := range got {
		got[i].Ino = 0
	}

	want := []Dirent{
		{Name: ".", Type: TypeDir},
		{Name: "..", Type: TypeDir},
		{Name: "child", Type: TypeDir},
		{Name: "file.txt", Type: TypeFile},
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("readdir listing differs (-want +got):\n%s", diff)
	}
}

func must(t *testing.T, errno kerr.Errno) {
	t.Helper()
	if !errno.Ok() {
		t.Fatalf("unexpected error: %v", errno)
	}
}
