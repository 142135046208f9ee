package ipv4

import (
	"sync/atomic"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
	"github.com/nanokern/kernel/internal/net/route"
)

// Handler is a protocol handler (ICMP/UDP/TCP/raw) registered to receive
// fully-reassembled datagrams addressed to a local interface.
type Handler func(hdr Header, payload []byte, dev *netdev.Device)

// Stack is one kernel's IPv4 layer: routing table reference, registered
// protocol handlers, and the in-progress reassembly contexts (spec.md
// §4.7, §9 "Reassembly context"). Per spec.md §5 ("the routing table ...
// socket demux table ... are each protected by a dedicated spinlock"),
// the reassembly table shares that discipline via internal/ipc.Spinlock.
type Stack struct {
	lock     ipc.Spinlock
	routes   *route.Table
	handlers map[uint8]Handler
	reasm    map[fragKey]*reassembly
	tick     int64
	nextID   uint32
}

// NewStack creates an IPv4 layer bound to the given routing table.
func NewStack(routes *route.Table) *Stack {
	return &Stack{
		routes:   routes,
		handlers: make(map[uint8]Handler),
		reasm:    make(map[fragKey]*reassembly),
	}
}

// RegisterHandler installs the handler for one IP protocol number,
// overwriting any previous registration.
func (s *Stack) RegisterHandler(proto uint8, h Handler) {
	f := s.lock.Acquire()
	s.handlers[proto] = h
	s.lock.Release(f)
}

// Tick advances the stack's internal clock by one and drops any
// reassembly context that has gone reassemblyTimeoutTicks ticks without a
// new fragment (spec.md §4.7: "a reassembly times out after 15 ticks of
// inactivity"). The kernel's main timer-interrupt path calls this once
// per tick, the same way internal/sched.Scheduler.Tick is driven.
func (s *Stack) Tick() {
	f := s.lock.Acquire()
	s.tick++
	for k, r := range s.reasm {
		if s.tick-r.lastTouch > reassemblyTimeoutTicks {
			delete(s.reasm, k)
		}
	}
	s.lock.Release(f)
}

func (s *Stack) freshID() uint16 {
	return uint16(atomic.AddUint32(&s.nextID, 1))
}

// SourceFor resolves the IPv4 address this stack would use as the source
// address when transmitting to dst, without sending anything. UDP/TCP use
// this to fold the correct pseudo-header checksum before a socket has
// bound to an explicit local address.
func (s *Stack) SourceFor(dst uint32) (uint32, kerr.Errno) {
	rt, errno := s.routes.GetRoute(nil, dst)
	if !errno.Ok() {
		return 0, errno
	}
	return rt.Iface.Addr, kerr.OK
}

// TxMsg implements ip_tx_msg (spec.md §4.7 "Transmit"). b's payload
// (b.Bytes()) must already be the upper-layer segment; b.Proto/SrcIP(optional)/
// DstIP/DF must be set by the caller. On success the datagram (or its
// fragments) have been handed to the egress interface's Tx.
func (s *Stack) TxMsg(b *nbuf.Buffer) kerr.Errno {
	var srcOpt *uint32
	if b.SrcIP != 0 {
		srcOpt = &b.SrcIP
	}
	rt, errno := s.routes.GetRoute(srcOpt, b.DstIP)
	if !errno.Ok() {
		return errno
	}
	iface := rt.Iface
	if b.SrcIP == 0 {
		b.SrcIP = iface.Addr
	}

	maxPayload := iface.MTU - HeaderLen
	payload := b.Bytes()
	if len(payload) <= maxPayload {
		return s.sendOne(iface, b, payload)
	}
	if b.DF {
		return kerr.MessageTooBig
	}
	return s.sendFragmented(iface, b, payload, maxPayload)
}

// sendOne builds and transmits one unfragmented IPv4 datagram carrying
// payload, reusing b's buffer.
func (s *Stack) sendOne(iface *netdev.Device, b *nbuf.Buffer, payload []byte) kerr.Errno {
	hdr := Header{
		TotalLen: uint16(HeaderLen + len(payload)),
		DF:       b.DF,
		TTL:      DefaultTTL,
		Protocol: b.Proto,
		Src:      b.SrcIP,
		Dst:      b.DstIP,
	}
	hdr.Encode(b.Prepend(HeaderLen))
	b.MarkL3()
	return iface.Tx(b)
}

// sendFragmented implements spec.md §4.7's fragmentation rule: pieces
// sized at maxPayload rounded down to a multiple of 8, identical ID
// across fragments, MF=1 on every piece but the last.
func (s *Stack) sendFragmented(iface *netdev.Device, b *nbuf.Buffer, payload []byte, maxPayload int) kerr.Errno {
	fragSize := maxPayload &^ 7
	if fragSize <= 0 {
		return kerr.MessageTooBig
	}
	snapshot := append([]byte(nil), payload...)
	id := s.freshID()

	offset := 0
	for offset < len(snapshot) {
		end := offset + fragSize
		mf := true
		if end >= len(snapshot) {
			end = len(snapshot)
			mf = false
		}
		chunk := snapshot[offset:end]
		fb := nbuf.New(len(chunk))
		copy(fb.Append(len(chunk)), chunk)
		fb.Proto, fb.SrcIP, fb.DstIP, fb.DF = b.Proto, b.SrcIP, b.DstIP, b.DF
		fb.TraceID = b.TraceID

		hdr := Header{
			TotalLen:   uint16(HeaderLen + len(chunk)),
			ID:         id,
			DF:         b.DF,
			MF:         mf,
			FragOffset: uint16(offset / 8),
			TTL:        DefaultTTL,
			Protocol:   b.Proto,
			Src:        b.SrcIP,
			Dst:        b.DstIP,
		}
		hdr.Encode(fb.Prepend(HeaderLen))
		fb.MarkL3()
		if errno := iface.Tx(fb); !errno.Ok() {
			return errno
		}
		offset = end
	}
	return kerr.OK
}

// RxMsg implements ip_rx_msg (spec.md §4.7 "Receive"): validates the
// header, dispatches non-fragments directly, and feeds fragments into the
// per-datagram reassembly context, dispatching once reconstruction
// completes.
func (s *Stack) RxMsg(dev *netdev.Device, raw []byte) kerr.Errno {
	hdr, ok := DecodeHeader(raw)
	if !ok {
		return kerr.Invalid
	}
	if !ValidateChecksum(raw[:HeaderLen]) {
		return kerr.Invalid
	}
	if hdr.TTL == 0 {
		return kerr.Invalid
	}
	if hdr.Dst != dev.Addr {
		return kerr.AddressUnreachable // strong-host match fails
	}

	total := int(hdr.TotalLen)
	if total > len(raw) {
		total = len(raw)
	}
	payload := raw[HeaderLen:total]

	if !hdr.MF && hdr.FragOffset == 0 {
		return s.dispatch(hdr, payload, dev)
	}
	return s.reassembleAndMaybeDispatch(hdr, payload, dev)
}

func (s *Stack) dispatch(hdr Header, payload []byte, dev *netdev.Device) kerr.Errno {
	f := s.lock.Acquire()
	h := s.handlers[hdr.Protocol]
	s.lock.Release(f)
	if h == nil {
		return kerr.NotFound
	}
	h(hdr, payload, dev)
	return kerr.OK
}

func (s *Stack) reassembleAndMaybeDispatch(hdr Header, payload []byte, dev *netdev.Device) kerr.Errno {
	key := fragKey{Src: hdr.Src, Dst: hdr.Dst, ID: hdr.ID, Proto: hdr.Protocol}
	offset := int(hdr.FragOffset) * 8

	f := s.lock.Acquire()
	re := s.reasm[key]
	if re == nil {
		re = &reassembly{}
		s.reasm[key] = re
	}
	if !re.insert(offset, payload, hdr.MF) {
		delete(s.reasm, key)
		s.lock.Release(f)
		return kerr.MessageTooBig
	}
	re.lastTouch = s.tick

	data, done := re.complete()
	var out []byte
	if done {
		out = append([]byte(nil), data...)
		delete(s.reasm, key)
	}
	s.lock.Release(f)

	if done {
		return s.dispatch(hdr, out, dev)
	}
	return kerr.OK
}
