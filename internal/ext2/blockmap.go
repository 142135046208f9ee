package ext2

import "github.com/nanokern/kernel/internal/kerr"

// blockForRead resolves inode logical block lbn to a physical block number,
// returning ok=false for a hole (spec.md §4.4: "sparse files (holes) read
// as zero").
func (fs *FS) blockForRead(d *DiskInode, lbn uint32) (uint64, bool, kerr.Errno) {
	if lbn < NumDirect {
		b := d.Block[lbn]
		return uint64(b), b != 0, kerr.OK
	}
	lbn -= NumDirect

	if lbn < PtrsPerBlk {
		return fs.indirectLookup(d.Block[IndSlot], lbn)
	}
	lbn -= PtrsPerBlk

	if lbn < PtrsPerBlk*PtrsPerBlk {
		top := lbn / PtrsPerBlk
		blk, ok, errno := fs.indirectLookup(d.Block[DIndSlot], top)
		if !ok || !errno.Ok() {
			return 0, false, errno
		}
		return fs.indirectLookup(uint32(blk), lbn%PtrsPerBlk)
	}
	lbn -= PtrsPerBlk * PtrsPerBlk

	mid := lbn / (PtrsPerBlk * PtrsPerBlk)
	blk, ok, errno := fs.indirectLookup(d.Block[TIndSlot], mid)
	if !ok || !errno.Ok() {
		return 0, false, errno
	}
	rem := lbn % (PtrsPerBlk * PtrsPerBlk)
	top := rem / PtrsPerBlk
	blk2, ok, errno := fs.indirectLookup(uint32(blk), top)
	if !ok || !errno.Ok() {
		return 0, false, errno
	}
	return fs.indirectLookup(uint32(blk2), rem%PtrsPerBlk)
}

func (fs *FS) indirectLookup(indBlock uint32, slot uint32) (uint64, bool, kerr.Errno) {
	if indBlock == 0 {
		return 0, false, kerr.OK
	}
	buf := make([]byte, 4)
	if _, errno := fs.cache.ReadBytes(uint64(indBlock), int(slot)*4, buf); !errno.Ok() {
		return 0, false, errno
	}
	v := leUint32(buf)
	return uint64(v), v != 0, kerr.OK
}

// blockForWrite resolves lbn to a physical block, allocating the block
// itself and any intermediate indirect blocks needed along the way.
func (fs *FS) blockForWrite(d *DiskInode, lbn uint32, group uint32) (uint64, kerr.Errno) {
	if lbn < NumDirect {
		if d.Block[lbn] == 0 {
			blk, errno := fs.allocBlock(group)
			if !errno.Ok() {
				return 0, errno
			}
			d.Block[lbn] = uint32(blk)
		}
		return uint64(d.Block[lbn]), kerr.OK
	}
	lbn -= NumDirect

	if lbn < PtrsPerBlk {
		ind, errno := fs.ensureIndirect(&d.Block[IndSlot], group)
		if !errno.Ok() {
			return 0, errno
		}
		return fs.indirectWrite(ind, lbn, group)
	}
	lbn -= PtrsPerBlk

	if lbn < PtrsPerBlk*PtrsPerBlk {
		dind, errno := fs.ensureIndirect(&d.Block[DIndSlot], group)
		if !errno.Ok() {
			return 0, errno
		}
		top := lbn / PtrsPerBlk
		ind, errno := fs.ensureIndirectSlot(dind, top, group)
		if !errno.Ok() {
			return 0, errno
		}
		return fs.indirectWrite(ind, lbn%PtrsPerBlk, group)
	}
	lbn -= PtrsPerBlk * PtrsPerBlk

	tind, errno := fs.ensureIndirect(&d.Block[TIndSlot], group)
	if !errno.Ok() {
		return 0, errno
	}
	mid := lbn / (PtrsPerBlk * PtrsPerBlk)
	dind, errno := fs.ensureIndirectSlot(tind, mid, group)
	if !errno.Ok() {
		return 0, errno
	}
	rem := lbn % (PtrsPerBlk * PtrsPerBlk)
	top := rem / PtrsPerBlk
	ind, errno := fs.ensureIndirectSlot(dind, top, group)
	if !errno.Ok() {
		return 0, errno
	}
	return fs.indirectWrite(ind, rem%PtrsPerBlk, group)
}

// ensureIndirect allocates *slot if it is a hole and zeroes the fresh
// indirect block, returning the physical block number either way.
func (fs *FS) ensureIndirect(slot *uint32, group uint32) (uint32, kerr.Errno) {
	if *slot != 0 {
		return *slot, kerr.OK
	}
	blk, errno := fs.allocBlock(group)
	if !errno.Ok() {
		return 0, errno
	}
	zero := make([]byte, BlockSize)
	if _, errno := fs.cache.WriteBytes(blk, 0, zero); !errno.Ok() {
		return 0, errno
	}
	*slot = uint32(blk)
	return *slot, kerr.OK
}

// ensureIndirectSlot is ensureIndirect for one pointer slot inside an
// already-resolved indirect block parent.
func (fs *FS) ensureIndirectSlot(parent uint32, slot uint32, group uint32) (uint32, kerr.Errno) {
	buf := make([]byte, 4)
	if _, errno := fs.cache.ReadBytes(uint64(parent), int(slot)*4, buf); !errno.Ok() {
		return 0, errno
	}
	v := leUint32(buf)
	if v != 0 {
		return v, kerr.OK
	}
	blk, errno := fs.allocBlock(group)
	if !errno.Ok() {
		return 0, errno
	}
	zero := make([]byte, BlockSize)
	if _, errno := fs.cache.WriteBytes(blk, 0, zero); !errno.Ok() {
		return 0, errno
	}
	putLeUint32(buf, uint32(blk))
	if _, errno := fs.cache.WriteBytes(uint64(parent), int(slot)*4, buf); !errno.Ok() {
		return 0, errno
	}
	return uint32(blk), kerr.OK
}

func (fs *FS) indirectWrite(indBlock uint32, slot uint32, group uint32) (uint64, kerr.Errno) {
	buf := make([]byte, 4)
	if _, errno := fs.cache.ReadBytes(uint64(indBlock), int(slot)*4, buf); !errno.Ok() {
		return 0, errno
	}
	if v := leUint32(buf); v != 0 {
		return uint64(v), kerr.OK
	}
	blk, errno := fs.allocBlock(group)
	if !errno.Ok() {
		return 0, errno
	}
	putLeUint32(buf, uint32(blk))
	if _, errno := fs.cache.WriteBytes(uint64(indBlock), int(slot)*4, buf); !errno.Ok() {
		return 0, errno
	}
	return blk, kerr.OK
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
