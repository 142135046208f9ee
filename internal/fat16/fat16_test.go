package fat16

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/vfs"
)

const sectorSize = 512

// buildImage hand-assembles a tiny FAT16 image directly against the block
// cache: boot sector, one FAT, a fixed root directory region, and three
// data clusters (a root-level file, a subdirectory, and a file inside it).
// fat16.Mkfs only lays down an empty volume and the driver itself never
// writes, so fixtures with files are built the way a real FAT16 volume
// would already exist on disk.
func buildImage(t *testing.T) *blockcache.Cache {
	t.Helper()
	dev := blockdev.NewRAMDevice(1, 8)
	require.True(t, dev.Open().Ok())
	bc := blockcache.New(dev, 16)

	writeAt := func(sector int64, data []byte) {
		off := sector * sectorSize
		blk := uint64(off) / blockdev.BlockSize
		boff := int(uint64(off) % blockdev.BlockSize)
		_, errno := bc.WriteBytes(blk, boff, data)
		require.True(t, errno.Ok())
	}

	bpb := &BPB{
		BytesPerSector:    sectorSize,
		SectorsPerCluster: 1,
		ReservedSectors:   1,
		NumFATs:           1,
		RootEntryCount:    16,
		TotalSectors16:    8 * (blockdev.BlockSize / sectorSize),
		Media:             0xF8,
		FATSize16:         1,
		BootSig:           0x29,
	}
	boot := make([]byte, sectorSize)
	bpb.encode(boot)
	writeAt(0, boot)

	// FAT: cluster 2, 3, 4 each a single-cluster chain (end of chain).
	fat := make([]byte, sectorSize)
	putFATEntry := func(cluster uint32, val uint16) {
		fat[cluster*2] = byte(val)
		fat[cluster*2+1] = byte(val >> 8)
	}
	putFATEntry(2, 0xFFFF)
	putFATEntry(3, 0xFFFF)
	putFATEntry(4, 0xFFFF)
	writeAt(1, fat)

	// Root directory: HELLO.TXT (cluster 2) and SUBDIR (cluster 3).
	root := make([]byte, sectorSize)
	encodeRawDirEntry(root[0:], rawDirEntry{Name: packShortName("HELLO.TXT"), Attr: AttrArchive, FirstCluster: 2, FileSize: 5})
	encodeRawDirEntry(root[32:], rawDirEntry{Name: packShortName("SUBDIR"), Attr: AttrDir, FirstCluster: 3})
	writeAt(2, root)

	// Cluster 2 (sector 3): HELLO.TXT's contents.
	c2 := make([]byte, sectorSize)
	copy(c2, "hello")
	writeAt(3, c2)

	// Cluster 3 (sector 4): SUBDIR's own "."/".."/INNER.TXT entries.
	c3 := make([]byte, sectorSize)
	encodeRawDirEntry(c3[0:], rawDirEntry{Name: packShortName("."), Attr: AttrDir, FirstCluster: 3})
	encodeRawDirEntry(c3[32:], rawDirEntry{Name: packShortName(".."), Attr: AttrDir, FirstCluster: 0})
	encodeRawDirEntry(c3[64:], rawDirEntry{Name: packShortName("INNER.TXT"), Attr: AttrArchive, FirstCluster: 4, FileSize: 3})
	writeAt(4, c3)

	// Cluster 4 (sector 5): INNER.TXT's contents.
	c4 := make([]byte, sectorSize)
	copy(c4, "abc")
	writeAt(5, c4)

	require.True(t, bc.Sync().Ok())
	return bc
}

func TestMountDecodesBootSector(t *testing.T) {
	bc := buildImage(t)
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())
	require.Equal(t, uint16(sectorSize), fs.bpb.BytesPerSector)
	require.Equal(t, vfs.TypeDir, fs.root.Type)
}

func TestLookupRootFileReadsContent(t *testing.T) {
	bc := buildImage(t)
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())

	ino, errno := fs.Lookup(fs.root, "hello.txt") // case-insensitive 8.3 match
	require.True(t, errno.Ok())
	require.Equal(t, vfs.TypeFile, ino.Type)
	require.Equal(t, int64(5), ino.Size)

	buf := make([]byte, 5)
	n, errno := fs.Read(ino, 0, buf)
	require.True(t, errno.Ok())
	require.Equal(t, "hello", string(buf[:n]))
}

func TestLookupSubdirectoryAndNestedFile(t *testing.T) {
	bc := buildImage(t)
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())

	sub, errno := fs.Lookup(fs.root, "SUBDIR")
	require.True(t, errno.Ok())
	require.Equal(t, vfs.TypeDir, sub.Type)

	dot, errno := fs.Lookup(sub, ".")
	require.True(t, errno.Ok())
	require.Equal(t, sub.Key, dot.Key)

	parent, errno := fs.Lookup(sub, "..")
	require.True(t, errno.Ok())
	require.Equal(t, fs.root.Key, parent.Key)

	inner, errno := fs.Lookup(sub, "inner.txt")
	require.True(t, errno.Ok())
	buf := make([]byte, 3)
	n, errno := fs.Read(inner, 0, buf)
	require.True(t, errno.Ok())
	require.Equal(t, "abc", string(buf[:n]))
}

func TestReaddirListsRootEntries(t *testing.T) {
	bc := buildImage(t)
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())

	ds, errno := vfs.OpenDir(fs.root)
	require.True(t, errno.Ok())
	ents, eof, errno := ds.Next(0)
	require.True(t, errno.Ok())
	require.True(t, eof)

	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	require.True(t, names["HELLO.TXT"])
	require.True(t, names["SUBDIR"])
}

func TestWritesAreRejected(t *testing.T) {
	bc := buildImage(t)
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())

	ino, errno := fs.Lookup(fs.root, "HELLO.TXT")
	require.True(t, errno.Ok())
	_, errno = fs.Write(ino, 0, []byte("x"))
	require.False(t, errno.Ok())
}
