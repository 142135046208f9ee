package ext2

import (
	"github.com/nanokern/kernel/internal/bitmap"
	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

// MkfsParams configures a freshly formatted image; callers needing just a
// quick throwaway filesystem (tests, the boot RAM disk) can leave
// BlocksPerGroup/InodesPerGroup at their defaults.
type MkfsParams struct {
	NumBlocks      uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
}

func defaultParams(numBlocks uint32) MkfsParams {
	return MkfsParams{NumBlocks: numBlocks, BlocksPerGroup: numBlocks, InodesPerGroup: 256}
}

// Mkfs formats bc's backing device as a fresh ext2-compatible filesystem:
// superblock at block 1, one group descriptor table, zeroed bitmaps with
// metadata blocks and reserved inodes pre-marked used, and a root directory
// at inode 2 containing "." and ".." (spec.md: "On-disk format
// (ext2-compatible) ... Inode 2 is the root directory").
func Mkfs(devID uint32, bc *blockcache.Cache, numBlocks uint32) kerr.Errno {
	params := defaultParams(numBlocks)
	return MkfsWithParams(devID, bc, params)
}

func MkfsWithParams(devID uint32, bc *blockcache.Cache, p MkfsParams) kerr.Errno {
	numGroups := (p.NumBlocks + p.BlocksPerGroup - 1) / p.BlocksPerGroup

	sb := &Superblock{
		InodesCount:    p.InodesPerGroup * numGroups,
		BlocksCount:    p.NumBlocks,
		FirstDataBlock: 1,
		BlocksPerGroup: p.BlocksPerGroup,
		InodesPerGroup: p.InodesPerGroup,
		Magic:          Magic,
		InodeSize:      InodeSize,
		UUID:           newUUID(),
	}

	inodeTableBlocksPerGroup := (p.InodesPerGroup*InodeSize + BlockSize - 1) / BlockSize
	groups := make([]*GroupDesc, numGroups)
	// Layout per group, laid out back to back starting after the
	// superblock+GDT region: [block bitmap][inode bitmap][inode table].
	gdtBlocks := (numGroups*groupDescSize + BlockSize - 1) / BlockSize
	next := uint32(2) + gdtBlocks
	for g := uint32(0); g < numGroups; g++ {
		gd := &GroupDesc{
			BlockBitmap: next,
			InodeBitmap: next + 1,
			InodeTable:  next + 2,
		}
		gd.FreeBlocksCount = uint16(p.BlocksPerGroup)
		gd.FreeInodesCount = uint16(p.InodesPerGroup)
		groups[g] = gd
		next += 2 + inodeTableBlocksPerGroup
	}

	// Bit i of group 0's block bitmap is block FirstDataBlock+i, and blocks
	// 1..next-1 hold the superblock, GDT, bitmaps and inode tables.
	metadataBlocksInGroup0 := next - 1

	// Write superblock.
	sbBuf := make([]byte, BlockSize)
	sb.encode(sbBuf)
	if _, errno := bc.WriteBytes(1, 0, sbBuf); !errno.Ok() {
		return errno
	}

	// Write group descriptor table.
	gdtBuf := make([]byte, int(gdtBlocks)*BlockSize)
	for g, gd := range groups {
		gd.encode(gdtBuf[g*groupDescSize:])
	}
	if _, errno := bc.WriteBytes(2, 0, gdtBuf); !errno.Ok() {
		return errno
	}

	// Zero, then mark metadata blocks used in group 0's block bitmap, and
	// reserve inodes 1..10 (root is 2) in group 0's inode bitmap.
	for g, gd := range groups {
		blockBm := bitmap.New(int(p.BlocksPerGroup))
		if g == 0 {
			for i := uint32(0); i < metadataBlocksInGroup0; i++ {
				blockBm.Set(int(i))
				gd.FreeBlocksCount--
			}
		}
		if errno := writeFreshBitmap(bc, gd.BlockBitmap, blockBm); !errno.Ok() {
			return errno
		}

		inodeBm := bitmap.New(int(p.InodesPerGroup))
		if g == 0 {
			for i := 0; i < FirstFree-1; i++ {
				inodeBm.Set(i)
				gd.FreeInodesCount--
			}
		}
		if errno := writeFreshBitmap(bc, gd.InodeBitmap, inodeBm); !errno.Ok() {
			return errno
		}

		zero := make([]byte, inodeTableBlocksPerGroup*BlockSize)
		if _, errno := bc.WriteBytes(uint64(gd.InodeTable), 0, zero); !errno.Ok() {
			return errno
		}
	}

	sb.FreeBlocksCount = 0
	sb.FreeInodesCount = 0
	for _, gd := range groups {
		sb.FreeBlocksCount += uint32(gd.FreeBlocksCount)
		sb.FreeInodesCount += uint32(gd.FreeInodesCount)
	}

	// Build a live FS instance over the freshly formatted metadata to
	// create the root directory through the same code path a running
	// kernel uses, rather than hand-poking its block bitmap entry.
	fs := &FS{dev: devID, cache: bc, sb: sb, groups: groups, inodes: make(map[uint64]*vfs.Inode)}
	root := vfs.NewInode(vfs.Key{Dev: devID, Ino: RootInode}, vfs.TypeDir, fs, fs)
	root.Private = &DiskInode{}
	f := fs.cacheLk.Acquire()
	fs.inodes[RootInode] = root
	fs.cacheLk.Release(f)
	if errno := fs.writeInode(root); !errno.Ok() {
		return errno
	}
	if errno := fs.addDirEntry(root, ".", root); !errno.Ok() {
		return errno
	}
	if errno := fs.addDirEntry(root, "..", root); !errno.Ok() {
		return errno
	}
	root.LinkCount = 2
	if errno := fs.writeInode(root); !errno.Ok() {
		return errno
	}

	// Inode 2 was already marked used by the inodes-1..10 reservation
	// above; root's data block allocation went through fs.allocBlock,
	// which already updated groups[...].FreeBlocksCount and
	// sb.FreeBlocksCount in memory. Persist the final superblock.
	sbBuf2 := make([]byte, BlockSize)
	sb.encode(sbBuf2)
	if _, errno := bc.WriteBytes(1, 0, sbBuf2); !errno.Ok() {
		return errno
	}
	return bc.Sync()
}

func writeFreshBitmap(bc *blockcache.Cache, blk uint32, bm *bitmap.Bitmap) kerr.Errno {
	_, errno := bc.WriteBytes(uint64(blk), 0, bm.Bytes())
	return errno
}
