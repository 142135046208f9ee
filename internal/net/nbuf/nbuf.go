// Package nbuf implements the link-layer-neutral network packet buffer
// the IPv4 stack is built on (spec.md §4.7, §9 "Reassembly context";
// SPEC_FULL.md §5). A Buffer owns one contiguous byte slice with
// head/tail room so L2/L3/L4 headers can be prepended without a copy, the
// way a real kernel's sk_buff/mbuf grows downward as each layer wraps the
// one above it.
package nbuf

import (
	"github.com/google/uuid"
)

// defaultHeadroom is generous enough for an Ethernet header (14) plus the
// largest IPv4 header (60, with options) plus a TCP header with options
// (60), rounded up.
const defaultHeadroom = 128

// Buffer is one network packet in flight through the stack.
type Buffer struct {
	data  []byte // the full backing array
	start int    // offset of the current payload's first byte
	end   int    // offset one past the current payload's last byte

	// Header offsets into data, set as each layer is parsed or built;
	// -1 means "not yet set".
	l2 int
	l3 int
	l4 int

	// In is the ingress netdev a received buffer arrived on; Out is the
	// egress netdev a buffer is queued to transmit on. Exactly one is
	// normally set at a time. The concrete type is left as interface{} to
	// avoid an import cycle with internal/net/netdev (which itself holds
	// no reference back to nbuf.Buffer).
	In, Out interface{}

	// Protocol metadata a transmitting or receiving layer consults.
	Proto uint8 // IP protocol number (TCP/UDP/ICMP/...)
	SrcIP uint32
	DstIP uint32
	DF    bool // don't-fragment, set on transmit

	// TraceID uniquely identifies this datagram across its lifetime
	// (including the fragments a single oversized datagram is split
	// into), for diagnostics and for correlating log lines across the
	// stack the way a distributed trace ID correlates spans.
	TraceID uuid.UUID
}

// New allocates a buffer with defaultHeadroom bytes of headroom before the
// payload and capacity for at least payloadCap additional bytes after it.
func New(payloadCap int) *Buffer {
	b := &Buffer{
		data:  make([]byte, defaultHeadroom+payloadCap),
		start: defaultHeadroom,
		end:   defaultHeadroom,
		l2:    -1,
		l3:    -1,
		l4:    -1,
	}
	b.TraceID = uuid.New()
	return b
}

// FromBytes wraps an already-assembled packet (e.g. one just read off the
// wire) with no headroom to prepend into; used on the receive path where
// headers are parsed in place, never prepended.
func FromBytes(raw []byte) *Buffer {
	return &Buffer{
		data:  raw,
		start: 0,
		end:   len(raw),
		l2:    -1,
		l3:    -1,
		l4:    -1,
		TraceID: uuid.New(),
	}
}

// Len returns the number of payload bytes currently held (from start to
// end, not counting head/tail room).
func (b *Buffer) Len() int { return b.end - b.start }

// Bytes returns the current payload as a slice sharing the buffer's
// backing array; callers must not retain it past the buffer's lifetime if
// the buffer is later grown (Prepend/Append may reallocate).
func (b *Buffer) Bytes() []byte { return b.data[b.start:b.end] }

// Headroom reports how many bytes remain before start for Prepend to use
// without reallocating.
func (b *Buffer) Headroom() int { return b.start }

// Prepend reserves n bytes immediately before the current payload and
// returns them for the caller to fill with a header, growing the backing
// array (and copying) only if there is not already enough headroom. Any
// previously recorded L2/L3/L4 offsets are shifted to stay correct
// relative to the new start.
func (b *Buffer) Prepend(n int) []byte {
	if b.start < n {
		b.grow(n)
	}
	b.start -= n
	return b.data[b.start : b.start+n]
}

// Append reserves n bytes immediately after the current payload and
// returns them for the caller to fill, growing the backing array if
// needed.
func (b *Buffer) Append(n int) []byte {
	if cap(b.data)-b.end < n {
		nd := make([]byte, b.end+n)
		copy(nd, b.data[:b.end])
		b.data = nd
	} else if len(b.data) < b.end+n {
		b.data = b.data[:b.end+n]
	}
	out := b.data[b.end : b.end+n]
	b.end += n
	return out
}

// grow reallocates with at least extraHeadroom bytes of additional
// headroom, preserving the current payload and header offsets.
func (b *Buffer) grow(extraHeadroom int) {
	newHeadroom := b.start + extraHeadroom + defaultHeadroom
	nd := make([]byte, newHeadroom+(b.end-b.start))
	copy(nd[newHeadroom:], b.data[b.start:b.end])
	shift := newHeadroom - b.start
	if b.l2 >= 0 {
		b.l2 += shift
	}
	if b.l3 >= 0 {
		b.l3 += shift
	}
	if b.l4 >= 0 {
		b.l4 += shift
	}
	b.end = newHeadroom + (b.end - b.start)
	b.start = newHeadroom
	b.data = nd
}

// MarkL2/MarkL3/MarkL4 record where a header currently starts, relative to
// the backing array, so later layers (or diagnostics) can find it again.
func (b *Buffer) MarkL2() { b.l2 = b.start }
func (b *Buffer) MarkL3() { b.l3 = b.start }
func (b *Buffer) MarkL4() { b.l4 = b.start }

func (b *Buffer) L2() []byte {
	if b.l2 < 0 {
		return nil
	}
	return b.data[b.l2:]
}
func (b *Buffer) L3() []byte {
	if b.l3 < 0 {
		return nil
	}
	return b.data[b.l3:]
}
func (b *Buffer) L4() []byte {
	if b.l4 < 0 {
		return nil
	}
	return b.data[b.l4:]
}

// Clone makes an independent copy of the buffer's current payload and
// metadata; the copy shares no storage with the original, only its trace ID.
func (b *Buffer) Clone() *Buffer {
	nb := New(b.Len())
	copy(nb.Append(b.Len()), b.Bytes())
	nb.Proto, nb.SrcIP, nb.DstIP, nb.DF = b.Proto, b.SrcIP, b.DstIP, b.DF
	nb.In, nb.Out = b.In, b.Out
	nb.TraceID = b.TraceID // fragments of one datagram share their parent's trace ID
	return nb
}
