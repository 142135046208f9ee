// Package blockcache implements the per-device hash+LRU block cache
// (spec.md §4.5): fixed 1 KiB entries, at-most-one-entry-per-(dev,block),
// dirty tracking, and writeback in LRU order.
package blockcache

import (
	"context"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/klog"
	"github.com/nanokern/kernel/internal/list"
)

var log = klog.Get("blockcache")

// writebackRetries bounds the number of attempts a dirty writeback makes
// against a misbehaving device before giving up (spec.md §7: "Retries are
// local to drivers and the block cache (with bounded attempts)").
const writebackRetries = 3

type key struct {
	dev uint32
	blk uint64
}

// Entry is one cached block (spec.md §3 "Block cache entry").
type Entry struct {
	key   key
	data  [blockdev.BlockSize]byte
	dirty bool
	lock  *ipc.RWLock

	lru *list.Elem // LRU-chain node; Elem.Value points back at this Entry
}

// Cache is a single device-scoped block cache instance. The kernel keeps
// one per mounted block device, each its own named singleton per spec.md
// §9.
type Cache struct {
	dev  blockdev.Device
	lock ipc.Spinlock
	hash map[key]*Entry
	lru  *list.List

	fetch    singleflight.Group // coalesces concurrent misses on the same block
	wbLimit  *rate.Limiter      // paces writeback retry attempts
	capacity int
}

// New builds a cache over dev with room for capacity resident entries.
func New(dev blockdev.Device, capacity int) *Cache {
	return &Cache{
		dev:      dev,
		hash:     make(map[key]*Entry),
		lru:      list.New(),
		wbLimit:  rate.NewLimiter(rate.Limit(50), 1),
		capacity: capacity,
	}
}

// get returns the resident entry for blk, fetching it from the device on a
// miss. Concurrent misses on the same block are coalesced via singleflight
// so only one goroutine actually calls the driver (spec.md §4.5: "the
// cache fetches missing blocks via the driver").
func (c *Cache) get(blk uint64) (*Entry, kerr.Errno) {
	f := c.lock.Acquire()
	if e, ok := c.hash[key{c.dev.ID(), blk}]; ok {
		c.lru.MoveToBack(e.lru)
		c.lock.Release(f)
		return e, kerr.OK
	}
	c.lock.Release(f)

	v, err, _ := c.fetch.Do(mapKey(blk), func() (interface{}, error) {
		e := &Entry{key: key{c.dev.ID(), blk}, lock: ipc.NewRWLock()}
		if errno := c.fetchWithRetry(blk, e.data[:]); !errno.Ok() {
			return nil, errnoErr{errno}
		}
		return c.insert(e), nil
	})
	if err != nil {
		return nil, err.(errnoErr).errno
	}
	return v.(*Entry), kerr.OK
}

func (c *Cache) fetchWithRetry(blk uint64, buf []byte) kerr.Errno {
	var last kerr.Errno
	for attempt := 0; attempt < writebackRetries; attempt++ {
		if attempt > 0 {
			_ = c.wbLimit.Wait(context.Background())
		}
		if errno := c.dev.ReadBlock(blk, buf); errno.Ok() {
			return kerr.OK
		} else {
			last = errno
		}
	}
	log.Printf("read block %d on dev %d failed after %d attempts: %v", blk, c.dev.ID(), writebackRetries, last)
	return last
}

// insert adds e to the hash and LRU chain, returning the entry that ended
// up resident: normally e itself, but the already-resident entry if one
// raced in first (defensive; singleflight already serializes fetches per
// block, so this path is not expected to be hit in practice).
func (c *Cache) insert(e *Entry) *Entry {
	f := c.lock.Acquire()
	defer c.lock.Release(f)
	if existing, ok := c.hash[e.key]; ok {
		return existing
	}
	c.hash[e.key] = e
	elem := &list.Elem{Value: e}
	e.lru = elem
	c.lru.PushBack(elem)
	c.evictIfOver()
	return e
}

// evictIfOver drops the oldest clean entry, or writes back and evicts the
// oldest dirty one if every resident entry is dirty (spec.md §4.5).
// Caller holds c.lock.
func (c *Cache) evictIfOver() {
	for len(c.hash) > c.capacity {
		victim := c.lru.Front()
		if victim == nil {
			return
		}
		// The newest entry (the one just inserted) is never the victim.
		for elem := victim; elem != nil && elem != c.lru.Back(); elem = elem.Next() {
			ce := elem.Value.(*Entry)
			ce.lock.RLock()
			clean := !ce.dirty
			ce.lock.RUnlock()
			if clean {
				victim = elem
				break
			}
		}
		e := victim.Value.(*Entry)
		e.lock.RLock()
		dirty := e.dirty
		e.lock.RUnlock()
		if dirty {
			c.writebackLocked(e)
		}
		victim.Remove()
		delete(c.hash, e.key)
	}
}

// writebackLocked flushes a dirty entry. Caller holds c.lock, so the
// cache-wide lock stays held across the device write; the entry's own
// rwlock is taken exclusively as well.
func (c *Cache) writebackLocked(e *Entry) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for attempt := 0; attempt < writebackRetries; attempt++ {
		if attempt > 0 {
			_ = c.wbLimit.Wait(context.Background())
		}
		if errno := c.dev.WriteBlock(e.key.blk, e.data[:]); errno.Ok() {
			e.dirty = false
			return
		}
	}
	log.Printf("writeback of dev %d block %d failed after %d attempts, dropping dirty state", c.dev.ID(), e.key.blk, writebackRetries)
}

// ReadBytes spans an arbitrary byte range starting at (blk, off),
// coalescing adjacent cached blocks (spec.md §4.5).
func (c *Cache) ReadBytes(blk uint64, off int, buf []byte) (int, kerr.Errno) {
	total := 0
	for total < len(buf) {
		e, errno := c.get(blk)
		if !errno.Ok() {
			return total, errno
		}
		e.lock.RLock()
		n := copy(buf[total:], e.data[off:])
		e.lock.RUnlock()
		total += n
		off = 0
		blk++
		if n == 0 {
			break
		}
	}
	return total, kerr.OK
}

// WriteBytes spans an arbitrary byte range, marking every touched entry
// dirty; visibility to subsequent readers on the same entry is immediate
// since writers hold the entry's exclusive lock (spec.md §5 ordering
// guarantee).
func (c *Cache) WriteBytes(blk uint64, off int, buf []byte) (int, kerr.Errno) {
	total := 0
	for total < len(buf) {
		e, errno := c.get(blk)
		if !errno.Ok() {
			return total, errno
		}
		e.lock.Lock()
		n := copy(e.data[off:], buf[total:])
		e.dirty = true
		e.lock.Unlock()
		total += n
		off = 0
		blk++
		if n == 0 {
			break
		}
	}
	return total, kerr.OK
}

// Sync writes back every dirty entry in LRU order (spec.md §4.5: "a
// background/sync operation writes dirty blocks back in LRU order").
func (c *Cache) Sync() kerr.Errno {
	f := c.lock.Acquire()
	defer c.lock.Release(f)
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		e.lock.RLock()
		dirty := e.dirty
		e.lock.RUnlock()
		if dirty {
			c.writebackLocked(e)
		}
	}
	return kerr.OK
}

// Resident reports how many blocks are currently cached, for introspection.
func (c *Cache) Resident() int {
	f := c.lock.Acquire()
	defer c.lock.Release(f)
	return len(c.hash)
}

type errnoErr struct{ errno kerr.Errno }

func (e errnoErr) Error() string { return e.errno.Error() }

func mapKey(blk uint64) string {
	const hexdigits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexdigits[blk&0xf]
		blk >>= 4
	}
	return string(buf[:])
}
