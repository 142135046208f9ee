package fat16

import (
	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/kerr"
)

// mkfsSectorSize is the sector size Mkfs formats with; fat16_test.go's
// buildImage fixture assumes the same 512-byte sector and is the layout
// this mirrors.
const mkfsSectorSize = 512

// Mkfs writes a minimal, empty FAT16 image to bc's backing device: a boot
// sector, a single all-free FAT, and a zeroed (all-empty-entry) root
// directory region. There is still no write path -- the driver this
// formats for remains read-only, per fat16.go's own doc comment -- so this
// exists purely so a fresh root device can be brought up without an
// externally supplied image, the same role internal/ext2.Mkfs plays for
// ext2. Grounded on fat16_test.go's buildImage, which hand-assembles the
// same boot sector/FAT/root-directory layout for its fixtures.
func Mkfs(devID uint32, bc *blockcache.Cache, numBlocks uint64) kerr.Errno {
	const (
		sectorsPerCluster = 1
		reservedSectors   = 1
		numFATs           = 1
		rootEntryCount    = 224
		fatSectors        = 1
	)
	totalSectors := numBlocks * (blockdev.BlockSize / mkfsSectorSize)
	if totalSectors > 0xFFFF {
		totalSectors = 0xFFFF
	}

	bpb := &BPB{
		BytesPerSector:    mkfsSectorSize,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reservedSectors,
		NumFATs:           numFATs,
		RootEntryCount:    rootEntryCount,
		TotalSectors16:    uint16(totalSectors),
		Media:             0xF8,
		FATSize16:         fatSectors,
		BootSig:           0x29,
		VolumeID:          0x4e414e4b, // "NANK"
	}
	copy(bpb.VolumeLabel[:], "NANOKERN   ")
	copy(bpb.FileSystemType[:], "FAT16   ")

	boot := make([]byte, mkfsSectorSize)
	bpb.encode(boot)
	if _, errno := bc.WriteBytes(0, 0, boot); !errno.Ok() {
		return errno
	}

	fat := make([]byte, mkfsSectorSize)
	fat[0], fat[1] = 0xF8, 0xFF // media descriptor copy, cluster 0
	fat[2], fat[3] = 0xFF, 0xFF // cluster 1, reserved
	fatOff := uint64(reservedSectors) * mkfsSectorSize
	if _, errno := bc.WriteBytes(fatOff/blockdev.BlockSize, int(fatOff%blockdev.BlockSize), fat); !errno.Ok() {
		return errno
	}

	rootBytes := uint32(rootEntryCount) * DirEntrySize
	rootStart := uint64(reservedSectors+numFATs*fatSectors) * mkfsSectorSize
	zero := make([]byte, 512)
	for off := uint32(0); off < rootBytes; off += uint32(len(zero)) {
		n := uint32(len(zero))
		if off+n > rootBytes {
			n = rootBytes - off
		}
		abs := rootStart + uint64(off)
		if _, errno := bc.WriteBytes(abs/blockdev.BlockSize, int(abs%blockdev.BlockSize), zero[:n]); !errno.Ok() {
			return errno
		}
	}
	return kerr.OK
}
