package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokern/kernel/internal/blockdev"
)

func TestReadMissFetchesFromDevice(t *testing.T) {
	dev := blockdev.NewRAMDevice(1, 16)
	dev.Open()
	want := make([]byte, blockdev.BlockSize)
	copy(want, "hello block zero")
	require.True(t, dev.WriteBlock(0, want).Ok())

	c := New(dev, 4)
	buf := make([]byte, 17)
	n, errno := c.ReadBytes(0, 0, buf)
	require.True(t, errno.Ok())
	require.Equal(t, 17, n)
	require.Equal(t, "hello block zero", string(buf))
}

func TestWriteIsVisibleImmediatelyToReader(t *testing.T) {
	dev := blockdev.NewRAMDevice(1, 16)
	dev.Open()
	c := New(dev, 4)

	_, errno := c.WriteBytes(0, 0, []byte("abc"))
	require.True(t, errno.Ok())

	buf := make([]byte, 3)
	_, errno = c.ReadBytes(0, 0, buf)
	require.True(t, errno.Ok())
	require.Equal(t, "abc", string(buf))
	require.Equal(t, 1, c.Resident())
}

func TestEvictionWritesBackDirtyEntries(t *testing.T) {
	dev := blockdev.NewRAMDevice(1, 16)
	dev.Open()
	c := New(dev, 2) // tiny capacity forces eviction

	for i := 0; i < 4; i++ {
		_, errno := c.WriteBytes(uint64(i), 0, []byte{byte('a' + i)})
		require.True(t, errno.Ok(), "write block %d", i)
	}
	require.LessOrEqual(t, c.Resident(), 2)

	// Block 0 was evicted while dirty; its write must have been flushed to
	// the device rather than lost.
	raw := make([]byte, 1)
	require.True(t, dev.ReadBlock(0, raw).Ok())
	require.Equal(t, byte('a'), raw[0], "evicted dirty block not written back")
}

func TestSyncFlushesAllDirtyEntries(t *testing.T) {
	dev := blockdev.NewRAMDevice(1, 16)
	dev.Open()
	c := New(dev, 8)

	c.WriteBytes(0, 0, []byte("x"))
	c.WriteBytes(1, 0, []byte("y"))
	require.True(t, c.Sync().Ok())

	raw := make([]byte, 1)
	dev.ReadBlock(0, raw)
	require.Equal(t, byte('x'), raw[0])
	dev.ReadBlock(1, raw)
	require.Equal(t, byte('y'), raw[0])
}

func TestAtMostOneEntryPerBlock(t *testing.T) {
	dev := blockdev.NewRAMDevice(1, 16)
	dev.Open()
	c := New(dev, 8)

	c.WriteBytes(0, 0, []byte("first"))
	before := c.Resident()
	c.ReadBytes(0, 0, make([]byte, 5))
	c.ReadBytes(0, 0, make([]byte, 5))
	require.Equal(t, before, c.Resident(), "resident count must not grow on repeated access to the same block")
}
