// Package fat16 implements a read-only FAT12/16 compatibility driver
// (spec.md §1: "a read-only FAT16 compatibility mode"; SPEC_FULL.md §5).
// It decodes the BIOS Parameter Block, walks FAT cluster chains, and reads
// 8.3 directory entries, mounted beneath the same vfs.Filesystem/vfs.Ops
// contract as internal/ext2. There is no write path, no long filenames
// (VFAT), and no FAT32, per that same carve-out.
package fat16

import "encoding/binary"

// On-disk constants (Microsoft's FAT specification).
const (
	DirEntrySize = 32
	BadCluster16 = 0xFFF7
	EndOfChain16 = 0xFFF8 // cluster values at or above this end a chain

	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolumeID = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

	DeletedMarker = 0xE5
	EndMarker     = 0x00
)

// BPB is the decoded BIOS Parameter Block plus the FAT16 extended BPB
// (boot sector, block 0).
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	BootSig           uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

func decodeBPB(buf []byte) *BPB {
	le := binary.LittleEndian
	b := &BPB{
		BytesPerSector:    le.Uint16(buf[11:]),
		SectorsPerCluster: buf[13],
		ReservedSectors:   le.Uint16(buf[14:]),
		NumFATs:           buf[16],
		RootEntryCount:    le.Uint16(buf[17:]),
		TotalSectors16:    le.Uint16(buf[19:]),
		Media:             buf[21],
		FATSize16:         le.Uint16(buf[22:]),
		SectorsPerTrack:   le.Uint16(buf[24:]),
		NumHeads:          le.Uint16(buf[26:]),
		HiddenSectors:     le.Uint32(buf[28:]),
		TotalSectors32:    le.Uint32(buf[32:]),
		DriveNumber:       buf[36],
		BootSig:           buf[38],
		VolumeID:          le.Uint32(buf[39:]),
	}
	copy(b.VolumeLabel[:], buf[43:54])
	copy(b.FileSystemType[:], buf[54:62])
	return b
}

func (b *BPB) encode(buf []byte) {
	le := binary.LittleEndian
	buf[0], buf[1], buf[2] = 0xEB, 0x3C, 0x90 // jmp short + nop, a harmless boot-sector filler
	copy(buf[3:11], "NANOKERN")
	le.PutUint16(buf[11:], b.BytesPerSector)
	buf[13] = b.SectorsPerCluster
	le.PutUint16(buf[14:], b.ReservedSectors)
	buf[16] = b.NumFATs
	le.PutUint16(buf[17:], b.RootEntryCount)
	le.PutUint16(buf[19:], b.TotalSectors16)
	buf[21] = b.Media
	le.PutUint16(buf[22:], b.FATSize16)
	le.PutUint16(buf[24:], b.SectorsPerTrack)
	le.PutUint16(buf[26:], b.NumHeads)
	le.PutUint32(buf[28:], b.HiddenSectors)
	le.PutUint32(buf[32:], b.TotalSectors32)
	buf[36] = b.DriveNumber
	buf[38] = b.BootSig
	le.PutUint32(buf[39:], b.VolumeID)
	copy(buf[43:54], b.VolumeLabel[:])
	copy(buf[54:62], b.FileSystemType[:])
	buf[510], buf[511] = 0x55, 0xAA
}

// totalSectors returns whichever of the 16/32-bit total-sector fields is
// populated (FAT16 images under 32 MiB use the 16-bit field).
func (b *BPB) totalSectors() uint32 {
	if b.TotalSectors16 != 0 {
		return uint32(b.TotalSectors16)
	}
	return b.TotalSectors32
}

func (b *BPB) rootDirSectors() uint32 {
	bps := uint32(b.BytesPerSector)
	return (uint32(b.RootEntryCount)*DirEntrySize + bps - 1) / bps
}

func (b *BPB) firstRootDirSector() uint32 {
	return uint32(b.ReservedSectors) + uint32(b.NumFATs)*uint32(b.FATSize16)
}

func (b *BPB) firstDataSector() uint32 {
	return b.firstRootDirSector() + b.rootDirSectors()
}

func (b *BPB) clusterSize() uint32 {
	return uint32(b.SectorsPerCluster) * uint32(b.BytesPerSector)
}

// clusterToSector converts a FAT cluster number (clusters start at 2) to
// its first logical sector.
func (b *BPB) clusterToSector(cluster uint32) uint32 {
	return b.firstDataSector() + (cluster-2)*uint32(b.SectorsPerCluster)
}
