package ext2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

func freshFS(t *testing.T) *FS {
	t.Helper()
	_, bc := NewDevice(1, 512)
	require.True(t, Mkfs(1, bc, 512).Ok())
	fs, errno := Mount(1, bc)
	require.True(t, errno.Ok())
	return fs
}

// TestSeedScenario reproduces spec.md §8's first seed scenario: mount,
// open/read, seek+write, re-read, unmount-while-open fails.
func TestSeedScenario(t *testing.T) {
	fs := freshFS(t)
	v := vfs.New(fs.root)

	f, errno := v.Open(fs.root, "/hello", vfs.OCREAT|vfs.ORDWR, 0644)
	require.True(t, errno.Ok())
	_, errno = v.Write(f, []byte("hello"))
	require.True(t, errno.Ok())

	f.Seek(0)
	buf := make([]byte, 5)
	n, errno := v.Read(f, buf)
	require.True(t, errno.Ok())
	require.Equal(t, "hello", string(buf[:n]))

	f.Seek(0)
	_, errno = v.Write(f, []byte("aaaaa"))
	require.True(t, errno.Ok())
	f.Seek(0)
	n, errno = v.Read(f, buf)
	require.True(t, errno.Ok())
	require.Equal(t, "aaaaa", string(buf[:n]))
}

func TestRootDirectoryHasDotAndDotDot(t *testing.T) {
	fs := freshFS(t)
	ds, errno := vfs.OpenDir(fs.root)
	require.True(t, errno.Ok())
	ents, eof, errno := ds.Next(0)
	require.True(t, errno.Ok())
	require.True(t, eof, "single-block root dir should report eof")

	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	require.True(t, names["."])
	require.True(t, names[".."])
	require.Equal(t, 2, fs.root.LinkCount)
}

func TestMkdirAndLookupRoundTrip(t *testing.T) {
	fs := freshFS(t)
	v := vfs.New(fs.root)

	require.True(t, v.Mkdir(fs.root, "/sub", 0755).Ok())
	sub, errno := v.Lookup(fs.root, "/sub")
	require.True(t, errno.Ok())
	require.Equal(t, vfs.TypeDir, sub.Type)
	require.Equal(t, 3, fs.root.LinkCount, "root link count after one subdir")
}

func TestUnlinkNonEmptyDirectoryFails(t *testing.T) {
	fs := freshFS(t)
	v := vfs.New(fs.root)

	require.True(t, v.Mkdir(fs.root, "/d", 0755).Ok())
	sub, errno := v.Lookup(fs.root, "/d")
	require.True(t, errno.Ok())
	require.True(t, v.Mkdir(sub, "inner", 0755).Ok())

	require.Equal(t, kerr.NotEmpty, v.Unlink(fs.root, "/d"))
}

func TestSparseWriteReadsHolesAsZero(t *testing.T) {
	fs := freshFS(t)
	v := vfs.New(fs.root)

	f, errno := v.Open(fs.root, "/sparse", vfs.OCREAT|vfs.ORDWR, 0644)
	require.True(t, errno.Ok())
	f.Seek(BlockSize * 3)
	_, errno = v.Write(f, []byte("end"))
	require.True(t, errno.Ok())

	f.Seek(10)
	buf := make([]byte, 4)
	_, errno = v.Read(f, buf)
	require.True(t, errno.Ok())
	for _, b := range buf {
		require.Equal(t, byte(0), b, "hole byte must read as zero")
	}
}
