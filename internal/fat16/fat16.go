package fat16

import (
	"strings"

	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

// rootIno is the synthetic inode number for the root directory, which (in
// FAT12/16, unlike FAT32) lives in a fixed disk region rather than a
// cluster chain. Real clusters start at 2, so 1 never collides with one.
const rootIno = 1

// fileInfo is the private, per-inode state a fat16 FS attaches to each
// vfs.Inode: enough to re-walk its cluster chain on demand.
type fileInfo struct {
	firstCluster uint32
	isRoot       bool
}

// FS is a mounted read-only FAT12/16 filesystem (spec.md §1, SPEC_FULL.md
// §5). It implements vfs.Filesystem and vfs.Ops the same way internal/ext2
// does, but Write/Truncate/Link/Unlink always fail Permission.
type FS struct {
	dev   uint32
	cache *blockcache.Cache
	bpb   *BPB

	fatStart  int64
	rootStart int64
	rootSize  int64
	dataStart int64
	clusterSz int64

	root *vfs.Inode

	inodes map[uint64]*vfs.Inode
}

// Mount decodes the boot sector at block 0 and wraps the root directory.
func Mount(devID uint32, bc *blockcache.Cache) (*FS, kerr.Errno) {
	buf := make([]byte, 512)
	if n, errno := bc.ReadBytes(0, 0, buf); !errno.Ok() || n != 512 {
		return nil, kerr.IOError
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return nil, kerr.Invalid
	}
	bpb := decodeBPB(buf)
	if bpb.BytesPerSector == 0 || bpb.SectorsPerCluster == 0 {
		return nil, kerr.Invalid
	}

	fs := &FS{
		dev:    devID,
		cache:  bc,
		bpb:    bpb,
		inodes: make(map[uint64]*vfs.Inode),
	}
	bps := int64(bpb.BytesPerSector)
	fs.fatStart = int64(bpb.ReservedSectors) * bps
	fs.rootStart = int64(bpb.firstRootDirSector()) * bps
	fs.rootSize = int64(bpb.RootEntryCount) * DirEntrySize
	fs.dataStart = int64(bpb.firstDataSector()) * bps
	fs.clusterSz = int64(bpb.clusterSize())

	root := vfs.NewInode(vfs.Key{Dev: devID, Ino: rootIno}, vfs.TypeDir, fs, fs)
	root.Size = fs.rootSize
	root.LinkCount = 2
	root.Private = &fileInfo{isRoot: true}
	fs.inodes[rootIno] = root
	fs.root = root
	return fs, kerr.OK
}

func (fs *FS) Root() *vfs.Inode { return fs.root }
func (fs *FS) Name() string     { return "fat16" }
func (fs *FS) Sync() kerr.Errno { return kerr.OK } // nothing is ever made dirty

// readBytesAt reads len(buf) bytes starting at the given absolute device
// byte offset, translating through the block cache's (block, offset)
// addressing (blockdev.BlockSize need not, and usually doesn't, equal this
// filesystem's own BytesPerSector).
func (fs *FS) readBytesAt(byteOff int64, buf []byte) (int, kerr.Errno) {
	blk := uint64(byteOff) / blockdev.BlockSize
	off := int(uint64(byteOff) % blockdev.BlockSize)
	return fs.cache.ReadBytes(blk, off, buf)
}

func (fs *FS) readFATEntry(cluster uint32) (uint32, kerr.Errno) {
	buf := make([]byte, 2)
	if _, errno := fs.readBytesAt(fs.fatStart+int64(cluster)*2, buf); !errno.Ok() {
		return 0, errno
	}
	return uint32(buf[0]) | uint32(buf[1])<<8, kerr.OK
}

// clusterChain walks the FAT starting at first, returning every cluster in
// order. It stops at the first out-of-range or end-of-chain marker rather
// than looping forever on a corrupt chain.
func (fs *FS) clusterChain(first uint32) ([]uint32, kerr.Errno) {
	var chain []uint32
	cur := first
	for cur >= 2 && cur < BadCluster16 && len(chain) < 1<<20 {
		chain = append(chain, cur)
		next, errno := fs.readFATEntry(cur)
		if !errno.Ok() {
			return nil, errno
		}
		if next == 0 || next >= EndOfChain16 {
			break
		}
		cur = next
	}
	return chain, kerr.OK
}

func (fs *FS) clusterToByte(cluster uint32) int64 {
	return fs.dataStart + int64(cluster-2)*fs.clusterSz
}

// dirBytes reads an entire directory's contents into memory: the fixed
// root region, or the full cluster chain for any other directory.
func (fs *FS) dirBytes(dir *vfs.Inode) ([]byte, kerr.Errno) {
	info := dir.Private.(*fileInfo)
	if info.isRoot {
		buf := make([]byte, fs.rootSize)
		_, errno := fs.readBytesAt(fs.rootStart, buf)
		return buf, errno
	}
	chain, errno := fs.clusterChain(info.firstCluster)
	if !errno.Ok() {
		return nil, errno
	}
	buf := make([]byte, 0, int64(len(chain))*fs.clusterSz)
	for _, c := range chain {
		cbuf := make([]byte, fs.clusterSz)
		if _, errno := fs.readBytesAt(fs.clusterToByte(c), cbuf); !errno.Ok() {
			return nil, errno
		}
		buf = append(buf, cbuf...)
	}
	return buf, kerr.OK
}

// entryInode materializes (or returns the cached) *vfs.Inode for a decoded
// directory entry.
func (fs *FS) entryInode(e rawDirEntry) *vfs.Inode {
	typ := typeFromAttr(e.Attr)
	var ino uint64
	if typ == vfs.TypeDir && e.FirstCluster == 0 {
		ino = rootIno // a subdirectory's ".." may point back at cluster 0 == root
	} else {
		ino = uint64(e.FirstCluster)
	}
	if cached, ok := fs.inodes[ino]; ok {
		return cached
	}
	vi := vfs.NewInode(vfs.Key{Dev: fs.dev, Ino: ino}, typ, fs, fs)
	vi.Size = int64(e.FileSize)
	vi.LinkCount = 1
	vi.Private = &fileInfo{firstCluster: e.FirstCluster}
	fs.inodes[ino] = vi
	return vi
}

// Lookup implements vfs.Ops. Root's "." and ".." are synthesized as
// self-references since FAT12/16's root directory carries no such entries
// on disk (unlike every subdirectory, which does).
func (fs *FS) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, kerr.Errno) {
	if dir.Key == fs.root.Key && (name == "." || name == "..") {
		return fs.root, kerr.OK
	}
	buf, errno := fs.dirBytes(dir)
	if !errno.Ok() {
		return nil, errno
	}
	var found *vfs.Inode
	walkDirEntries(buf, func(e rawDirEntry, entName string) {
		if found == nil && strings.EqualFold(entName, name) {
			found = fs.entryInode(e)
		}
	})
	if found == nil {
		return nil, kerr.NotFound
	}
	return found, kerr.OK
}

// Readdir implements vfs.Ops; cursor is an entry index into the directory's
// fully-decoded entry list (cheap to rebuild since these images are small
// and never change underfoot).
func (fs *FS) Readdir(dir *vfs.Inode, cursor int64) ([]vfs.Dirent, int64, bool, kerr.Errno) {
	buf, errno := fs.dirBytes(dir)
	if !errno.Ok() {
		return nil, cursor, false, errno
	}
	var all []vfs.Dirent
	walkDirEntries(buf, func(e rawDirEntry, name string) {
		all = append(all, vfs.Dirent{Name: name, Ino: uint64(e.FirstCluster), Type: typeFromAttr(e.Attr)})
	})

	start := int(cursor)
	if start >= len(all) {
		return nil, cursor, true, kerr.OK
	}
	const pageSize = 64
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	next := int64(end)
	return all[start:end], next, next >= int64(len(all)), kerr.OK
}

// Read implements vfs.Ops by walking the file's cluster chain.
func (fs *FS) Read(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) {
	if ino.Type == vfs.TypeDir {
		return 0, kerr.IsDirectory
	}
	if off >= ino.Size {
		return 0, kerr.OK
	}
	if off+int64(len(buf)) > ino.Size {
		buf = buf[:ino.Size-off]
	}
	info := ino.Private.(*fileInfo)
	chain, errno := fs.clusterChain(info.firstCluster)
	if !errno.Ok() {
		return 0, errno
	}

	total := 0
	for total < len(buf) {
		pos := off + int64(total)
		idx := int(pos / fs.clusterSz)
		inCluster := pos % fs.clusterSz
		if idx >= len(chain) {
			break
		}
		want := int(fs.clusterSz - inCluster)
		if want > len(buf)-total {
			want = len(buf) - total
		}
		n, errno := fs.readBytesAt(fs.clusterToByte(chain[idx])+inCluster, buf[total:total+want])
		if !errno.Ok() {
			return total, errno
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total, kerr.OK
}

// Write, Truncate, Link, and Unlink all fail Permission: this driver is
// read-only (spec.md §1 Non-goal carve-out; SPEC_FULL.md §5).
func (fs *FS) Write(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) { return 0, kerr.Permission }
func (fs *FS) Truncate(ino *vfs.Inode, size int64) kerr.Errno               { return kerr.Permission }
func (fs *FS) Link(dir *vfs.Inode, name string, target *vfs.Inode) (*vfs.Inode, kerr.Errno) {
	return nil, kerr.Permission
}
func (fs *FS) Unlink(dir *vfs.Inode, name string) kerr.Errno { return kerr.Permission }

// Release implements vfs.Ops: just drops the inode from the live table,
// there is nothing to free on a read-only filesystem.
func (fs *FS) Release(ino *vfs.Inode) kerr.Errno {
	delete(fs.inodes, ino.Ino)
	return kerr.OK
}
