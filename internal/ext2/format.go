// Package ext2 implements a spec.md §4.4 "ext2-compatible" on-disk
// filesystem: superblock at block 1, a group descriptor table, per-group
// block/inode bitmaps, 12 direct plus indirect/double-indirect/
// triple-indirect block pointers, 1 KiB blocks, little-endian, revision 0.
// Inode 2 is the root directory, matching the real ext2 convention this
// driver deliberately keeps so an image this package formats is, modulo
// the feature flags it never sets, readable by any ext2 tool.
//
// The type layout mirrors go-fuse's own on-disk-format-adjacent code in
// spirit (small encode/decode structs with explicit little-endian field
// order), generalized from FUSE attribute structs to real disk records.
package ext2

import (
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	BlockSize  = 1024
	Magic      = 0xEF53
	InodeSize  = 128
	RootInode  = 2
	BadInode   = 1
	FirstFree  = 11 // inodes 1..10 are reserved, 11 is the first free user inode
	NumDirect  = 12
	IndSlot    = 12
	DIndSlot   = 13
	TIndSlot   = 14
	PtrsPerBlk = BlockSize / 4
)

// Superblock is the minimal ext2 superblock this driver needs, stored at
// byte offset 1024 (block 1 given a 1 KiB block size).
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32 // 0 => 1024-byte blocks
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Magic           uint16
	InodeSize       uint16
	FeatureIncompat uint32 // kept 0: revision-0 incompatible-feature set cleared
	UUID            [16]byte
}

func (s *Superblock) NumGroups() uint32 {
	return (s.BlocksCount + s.BlocksPerGroup - 1) / s.BlocksPerGroup
}

func (s *Superblock) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], s.InodesCount)
	le.PutUint32(buf[4:], s.BlocksCount)
	le.PutUint32(buf[12:], s.FreeBlocksCount)
	le.PutUint32(buf[16:], s.FreeInodesCount)
	le.PutUint32(buf[20:], s.FirstDataBlock)
	le.PutUint32(buf[24:], s.LogBlockSize)
	le.PutUint32(buf[32:], s.BlocksPerGroup)
	le.PutUint32(buf[40:], s.InodesPerGroup)
	le.PutUint16(buf[56:], s.Magic)
	le.PutUint16(buf[88:], s.InodeSize)
	le.PutUint32(buf[96:], s.FeatureIncompat)
	copy(buf[104:120], s.UUID[:])
}

func decodeSuperblock(buf []byte) *Superblock {
	le := binary.LittleEndian
	s := &Superblock{
		InodesCount:     le.Uint32(buf[0:]),
		BlocksCount:     le.Uint32(buf[4:]),
		FreeBlocksCount: le.Uint32(buf[12:]),
		FreeInodesCount: le.Uint32(buf[16:]),
		FirstDataBlock:  le.Uint32(buf[20:]),
		LogBlockSize:    le.Uint32(buf[24:]),
		BlocksPerGroup:  le.Uint32(buf[32:]),
		InodesPerGroup:  le.Uint32(buf[40:]),
		Magic:           le.Uint16(buf[56:]),
		InodeSize:       le.Uint16(buf[88:]),
		FeatureIncompat: le.Uint32(buf[96:]),
	}
	copy(s.UUID[:], buf[104:120])
	return s
}

// GroupDesc is one block group descriptor table entry.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

const groupDescSize = 32

func (g *GroupDesc) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], g.BlockBitmap)
	le.PutUint32(buf[4:], g.InodeBitmap)
	le.PutUint32(buf[8:], g.InodeTable)
	le.PutUint16(buf[12:], g.FreeBlocksCount)
	le.PutUint16(buf[14:], g.FreeInodesCount)
	le.PutUint16(buf[16:], g.UsedDirsCount)
}

func decodeGroupDesc(buf []byte) *GroupDesc {
	le := binary.LittleEndian
	return &GroupDesc{
		BlockBitmap:     le.Uint32(buf[0:]),
		InodeBitmap:     le.Uint32(buf[4:]),
		InodeTable:      le.Uint32(buf[8:]),
		FreeBlocksCount: le.Uint16(buf[12:]),
		FreeInodesCount: le.Uint16(buf[14:]),
		UsedDirsCount:   le.Uint16(buf[16:]),
	}
}

// DiskInode is the on-disk inode record (a trimmed ext2_inode: enough
// fields to satisfy spec.md's described semantics, OSD-specific padding
// left as reserved zero bytes).
type DiskInode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks512  uint32 // count of allocated 512-byte sectors, for stat st_blocks
	Block      [15]uint32
}

func (d *DiskInode) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:], d.Mode)
	le.PutUint16(buf[2:], d.UID)
	le.PutUint32(buf[4:], d.SizeLo)
	le.PutUint32(buf[8:], d.Atime)
	le.PutUint32(buf[12:], d.Ctime)
	le.PutUint32(buf[16:], d.Mtime)
	le.PutUint32(buf[20:], d.Dtime)
	le.PutUint16(buf[24:], d.GID)
	le.PutUint16(buf[26:], d.LinksCount)
	le.PutUint32(buf[28:], d.Blocks512)
	for i, b := range d.Block {
		le.PutUint32(buf[40+4*i:], b)
	}
}

func decodeDiskInode(buf []byte) *DiskInode {
	le := binary.LittleEndian
	d := &DiskInode{
		Mode:       le.Uint16(buf[0:]),
		UID:        le.Uint16(buf[2:]),
		SizeLo:     le.Uint32(buf[4:]),
		Atime:      le.Uint32(buf[8:]),
		Ctime:      le.Uint32(buf[12:]),
		Mtime:      le.Uint32(buf[16:]),
		Dtime:      le.Uint32(buf[20:]),
		GID:        le.Uint16(buf[24:]),
		LinksCount: le.Uint16(buf[26:]),
		Blocks512:  le.Uint32(buf[28:]),
	}
	for i := range d.Block {
		d.Block[i] = le.Uint32(buf[40+4*i:])
	}
	return d
}

// newUUID generates the superblock's s_uuid field.
func newUUID() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	return out
}
