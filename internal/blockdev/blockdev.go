// Package blockdev defines the block device contract backing the block
// cache and filesystem drivers (spec.md §4.5). A concrete device is
// anything that can read and write fixed-size 1 KiB blocks; this package
// supplies a RAM-backed implementation used by tests and by the in-memory
// boot disk, modeled on go-fuse's loopback file abstraction applied to
// fixed-size blocks instead of arbitrary byte ranges.
package blockdev

import (
	"sync"

	"github.com/nanokern/kernel/internal/kerr"
)

// BlockSize is the device and cache block granularity (spec.md §4.5).
const BlockSize = 1024

// Device is the driver contract the block cache fetches misses through.
type Device interface {
	ID() uint32
	NumBlocks() uint64
	ReadBlock(blk uint64, buf []byte) kerr.Errno
	WriteBlock(blk uint64, buf []byte) kerr.Errno
	Open() kerr.Errno
	Close() kerr.Errno
}

// RAMDevice is an in-memory block device: the boot disk image lives here
// until a real disk driver is wired in cmd/kerneld.
type RAMDevice struct {
	id     uint32
	mu     sync.Mutex
	blocks [][BlockSize]byte
	opened bool
}

func NewRAMDevice(id uint32, numBlocks uint64) *RAMDevice {
	return &RAMDevice{id: id, blocks: make([][BlockSize]byte, numBlocks)}
}

func (d *RAMDevice) ID() uint32        { return d.id }
func (d *RAMDevice) NumBlocks() uint64 { return uint64(len(d.blocks)) }

func (d *RAMDevice) Open() kerr.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return kerr.OK
}

func (d *RAMDevice) Close() kerr.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return kerr.OK
}

func (d *RAMDevice) ReadBlock(blk uint64, buf []byte) kerr.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blk >= uint64(len(d.blocks)) {
		return kerr.Invalid
	}
	copy(buf, d.blocks[blk][:])
	return kerr.OK
}

func (d *RAMDevice) WriteBlock(blk uint64, buf []byte) kerr.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blk >= uint64(len(d.blocks)) {
		return kerr.Invalid
	}
	copy(d.blocks[blk][:], buf)
	return kerr.OK
}
