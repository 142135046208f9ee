package ext2

import (
	"github.com/nanokern/kernel/internal/bitmap"
	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

// FS is a mounted ext2 filesystem instance (spec.md §4.4).
type FS struct {
	dev   uint32
	cache *blockcache.Cache
	sb    *Superblock
	sbLk  ipc.Spinlock

	groups   []*GroupDesc
	groupsLk ipc.Spinlock

	root *vfs.Inode

	cacheLk ipc.Spinlock
	inodes  map[uint64]*vfs.Inode // live-inode table, separate from vfs's own cache keying
}

// Mount reads the superblock and group descriptor table from dev (already
// formatted, e.g. by Mkfs) and returns a mounted FS.
func Mount(devID uint32, bc *blockcache.Cache) (*FS, kerr.Errno) {
	sbBuf := make([]byte, BlockSize)
	if n, errno := bc.ReadBytes(1, 0, sbBuf); !errno.Ok() || n != BlockSize {
		return nil, kerr.IOError
	}
	sb := decodeSuperblock(sbBuf)
	if sb.Magic != Magic {
		return nil, kerr.Invalid
	}

	fs := &FS{dev: devID, cache: bc, sb: sb, inodes: make(map[uint64]*vfs.Inode)}
	numGroups := sb.NumGroups()
	gdtBlock := uint64(2) // group descriptor table starts right after the superblock block
	for g := uint32(0); g < numGroups; g++ {
		buf := make([]byte, groupDescSize)
		off := int(g) * groupDescSize
		blk := gdtBlock + uint64(off/BlockSize)
		if _, errno := bc.ReadBytes(blk, off%BlockSize, buf); !errno.Ok() {
			return nil, kerr.IOError
		}
		fs.groups = append(fs.groups, decodeGroupDesc(buf))
	}

	root, errno := fs.loadInode(RootInode)
	if !errno.Ok() {
		return nil, errno
	}
	fs.root = root
	return fs, kerr.OK
}

func (fs *FS) Root() *vfs.Inode  { return fs.root }
func (fs *FS) Name() string      { return "ext2" }
func (fs *FS) Sync() kerr.Errno  { return fs.cache.Sync() }

// groupOfInode returns which block group owns inode number ino (1-based).
func (fs *FS) groupOfInode(ino uint64) uint32 {
	return uint32((ino - 1) / uint64(fs.sb.InodesPerGroup))
}

func (fs *FS) groupOfBlock(blk uint64) uint32 {
	return uint32((blk - uint64(fs.sb.FirstDataBlock)) / uint64(fs.sb.BlocksPerGroup))
}

// allocBlock finds a free block starting in the preferred group, falling
// back to any group with room, marking it used in the on-disk bitmap.
func (fs *FS) allocBlock(preferGroup uint32) (uint64, kerr.Errno) {
	f := fs.groupsLk.Acquire()
	defer fs.groupsLk.Release(f)

	order := append([]uint32{preferGroup}, fs.otherGroups(preferGroup)...)
	for _, g := range order {
		gd := fs.groups[g]
		if gd.FreeBlocksCount == 0 {
			continue
		}
		bm, errno := fs.readBitmap(gd.BlockBitmap, int(fs.sb.BlocksPerGroup))
		if !errno.Ok() {
			return 0, errno
		}
		idx := bm.FirstFree()
		if idx < 0 {
			continue
		}
		bm.Set(idx)
		if errno := fs.writeBitmap(gd.BlockBitmap, bm); !errno.Ok() {
			return 0, errno
		}
		gd.FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		blk := uint64(fs.sb.FirstDataBlock) + uint64(g)*uint64(fs.sb.BlocksPerGroup) + uint64(idx)
		return blk, kerr.OK
	}
	return 0, kerr.NoMemory
}

func (fs *FS) freeBlock(blk uint64) kerr.Errno {
	f := fs.groupsLk.Acquire()
	defer fs.groupsLk.Release(f)
	g := fs.groupOfBlock(blk)
	gd := fs.groups[g]
	idx := int(blk - uint64(fs.sb.FirstDataBlock) - uint64(g)*uint64(fs.sb.BlocksPerGroup))
	bm, errno := fs.readBitmap(gd.BlockBitmap, int(fs.sb.BlocksPerGroup))
	if !errno.Ok() {
		return errno
	}
	bm.Clear(idx)
	if errno := fs.writeBitmap(gd.BlockBitmap, bm); !errno.Ok() {
		return errno
	}
	gd.FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	return kerr.OK
}

func (fs *FS) otherGroups(preferred uint32) []uint32 {
	var out []uint32
	for g := uint32(0); g < uint32(len(fs.groups)); g++ {
		if g != preferred {
			out = append(out, g)
		}
	}
	return out
}

func (fs *FS) allocInode(preferGroup uint32) (uint64, kerr.Errno) {
	f := fs.groupsLk.Acquire()
	defer fs.groupsLk.Release(f)
	order := append([]uint32{preferGroup}, fs.otherGroups(preferGroup)...)
	for _, g := range order {
		gd := fs.groups[g]
		if gd.FreeInodesCount == 0 {
			continue
		}
		bm, errno := fs.readBitmap(gd.InodeBitmap, int(fs.sb.InodesPerGroup))
		if !errno.Ok() {
			return 0, errno
		}
		idx := bm.FirstFree()
		if idx < 0 {
			continue
		}
		bm.Set(idx)
		if errno := fs.writeBitmap(gd.InodeBitmap, bm); !errno.Ok() {
			return 0, errno
		}
		gd.FreeInodesCount--
		fs.sb.FreeInodesCount--
		ino := uint64(g)*uint64(fs.sb.InodesPerGroup) + uint64(idx) + 1
		return ino, kerr.OK
	}
	return 0, kerr.NoMemory
}

func (fs *FS) freeInode(ino uint64) kerr.Errno {
	f := fs.groupsLk.Acquire()
	defer fs.groupsLk.Release(f)
	g := fs.groupOfInode(ino)
	gd := fs.groups[g]
	idx := int((ino - 1) - uint64(g)*uint64(fs.sb.InodesPerGroup))
	bm, errno := fs.readBitmap(gd.InodeBitmap, int(fs.sb.InodesPerGroup))
	if !errno.Ok() {
		return errno
	}
	bm.Clear(idx)
	if errno := fs.writeBitmap(gd.InodeBitmap, bm); !errno.Ok() {
		return errno
	}
	gd.FreeInodesCount++
	fs.sb.FreeInodesCount++
	return kerr.OK
}

func (fs *FS) readBitmap(blk uint32, nbits int) (*bitmap.Bitmap, kerr.Errno) {
	buf := make([]byte, BlockSize)
	if _, errno := fs.cache.ReadBytes(uint64(blk), 0, buf); !errno.Ok() {
		return nil, errno
	}
	return bitmap.FromBytes(buf, nbits), kerr.OK
}

func (fs *FS) writeBitmap(blk uint32, bm *bitmap.Bitmap) kerr.Errno {
	_, errno := fs.cache.WriteBytes(uint64(blk), 0, bm.Bytes())
	return errno
}

// inodeLocation returns the (block, byte offset within block) holding
// ino's on-disk record.
func (fs *FS) inodeLocation(ino uint64) (uint64, int) {
	g := fs.groupOfInode(ino)
	idx := (ino - 1) - uint64(g)*uint64(fs.sb.InodesPerGroup)
	gd := fs.groups[g]
	byteOff := idx * uint64(InodeSize)
	blk := uint64(gd.InodeTable) + byteOff/BlockSize
	return blk, int(byteOff % BlockSize)
}

func vfsTypeFromMode(mode uint16) vfs.Type {
	switch mode & 0xF000 {
	case 0x4000:
		return vfs.TypeDir
	case 0x2000:
		return vfs.TypeChar
	case 0x6000:
		return vfs.TypeBlock
	case 0x1000:
		return vfs.TypeSymlink
	default:
		return vfs.TypeFile
	}
}

func modeFromVfsType(t vfs.Type) uint16 {
	switch t {
	case vfs.TypeDir:
		return 0x4000
	case vfs.TypeChar:
		return 0x2000
	case vfs.TypeBlock:
		return 0x6000
	case vfs.TypeSymlink:
		return 0x1000
	default:
		return 0x8000
	}
}

// loadInode reads ino's on-disk record and wraps it as a *vfs.Inode,
// reusing the live table if already materialized.
func (fs *FS) loadInode(ino uint64) (*vfs.Inode, kerr.Errno) {
	f := fs.cacheLk.Acquire()
	if cached, ok := fs.inodes[ino]; ok {
		fs.cacheLk.Release(f)
		return cached, kerr.OK
	}
	fs.cacheLk.Release(f)

	blk, off := fs.inodeLocation(ino)
	buf := make([]byte, InodeSize)
	if _, errno := fs.cache.ReadBytes(blk, off, buf); !errno.Ok() {
		return nil, errno
	}
	d := decodeDiskInode(buf)

	vi := vfs.NewInode(vfs.Key{Dev: fs.dev, Ino: ino}, vfsTypeFromMode(d.Mode), fs, fs)
	vi.Mode = uint32(d.Mode)
	vi.UID = uint32(d.UID)
	vi.GID = uint32(d.GID)
	vi.Size = int64(d.SizeLo)
	vi.LinkCount = int(d.LinksCount)
	vi.Private = d

	f = fs.cacheLk.Acquire()
	fs.inodes[ino] = vi
	fs.cacheLk.Release(f)
	return vi, kerr.OK
}

// writeInode persists vi's current state back to its on-disk record.
func (fs *FS) writeInode(vi *vfs.Inode) kerr.Errno {
	d := vi.Private.(*DiskInode)
	d.Mode = modeFromVfsType(vi.Type) | uint16(vi.Mode&0xFFF)
	d.UID = uint16(vi.UID)
	d.GID = uint16(vi.GID)
	d.SizeLo = uint32(vi.Size)
	d.LinksCount = uint16(vi.LinkCount)

	blk, off := fs.inodeLocation(vi.Ino)
	buf := make([]byte, InodeSize)
	d.encode(buf)
	_, errno := fs.cache.WriteBytes(blk, off, buf)
	return errno
}

// NewDevice is a convenience constructor used by tests and Mkfs callers
// that don't need a pre-existing blockcache.Cache.
func NewDevice(id uint32, blocks uint64) (*blockdev.RAMDevice, *blockcache.Cache) {
	dev := blockdev.NewRAMDevice(id, blocks)
	dev.Open()
	return dev, blockcache.New(dev, 64)
}
