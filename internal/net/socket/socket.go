// Package socket implements the kernel's socket layer: raw, UDP, and TCP
// endpoints demultiplexed by protocol/port, reference counted and kept
// alive as long as a descriptor or the demux table holds them (spec.md
// §3 "Socket", §4.7 "Raw sockets", §5 "socket demux table").
package socket

import (
	"sync"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/ipv4"
	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
)

// Kind is one of the three socket variants spec.md §3 names.
type Kind int

const (
	KindRaw Kind = iota
	KindUDP
	KindTCP
)

// Addr is an IPv4 address/port pair. Port is meaningless for raw sockets.
type Addr struct {
	IP   uint32
	Port uint16
}

// Socket is a polymorphic endpoint: common demux/queue/refcount state plus
// a kind-specific state machine (tcb for KindTCP; KindUDP and KindRaw
// need none beyond the receive queue).
type Socket struct {
	lock     ipc.Spinlock
	readable *ipc.Cond

	kind     Kind
	proto    uint8
	local    Addr
	foreign  Addr
	refcount int

	rxQueue []datagram

	nonBlocking bool

	tcb *tcb
}

// datagram is one queued inbound message: the raw bytes (for raw sockets,
// the IP header plus payload; for UDP, the UDP payload) and the peer it
// came from.
type datagram struct {
	from Addr
	data []byte
}

// Table is the kernel's socket demux table, one per kernel instance
// (spec.md §5: "the ... socket demux table ... protected by a dedicated
// spinlock").
type Table struct {
	mu sync.Mutex

	stack *ipv4.Stack

	raw map[uint8][]*Socket
	udp map[uint16]*Socket
	tcp map[Addr]map[Addr]*Socket // local -> foreign -> socket; foreign zero-value key holds a listener
}

// NewTable creates a demux table bound to an IPv4 stack and registers the
// UDP and TCP protocol handlers that feed it. Raw sockets get their
// protocol's handler registered later, by RegisterRaw.
func NewTable(stack *ipv4.Stack) *Table {
	t := &Table{
		stack: stack,
		raw:   make(map[uint8][]*Socket),
		udp:   make(map[uint16]*Socket),
		tcp:   make(map[Addr]map[Addr]*Socket),
	}
	stack.RegisterHandler(ipv4.ProtoUDP, t.deliverUDP)
	stack.RegisterHandler(ipv4.ProtoTCP, t.deliverTCP)
	return t
}

// Socket creates a new, unbound socket of the given kind/protocol
// (spec.md §6 "socket" syscall).
func (t *Table) Socket(kind Kind, proto uint8) *Socket {
	s := &Socket{kind: kind, proto: proto, refcount: 1}
	s.readable = ipc.NewCond(&s.lock)
	if kind == KindTCP {
		s.tcb = newTCB(s, t)
	}
	return s
}

// Kind reports which of the three socket variants s is.
func (s *Socket) Kind() Kind { return s.kind }

// AddRef/Release implement the reference-counting lifecycle spec.md §3
// describes ("kept alive as long as a descriptor or the demux table holds
// them"): a descriptor close drops one ref; the table itself holds a ref
// for as long as a bind/listen/connect keeps the socket registered.
func (s *Socket) AddRef() {
	f := s.lock.Acquire()
	s.refcount++
	s.lock.Release(f)
}

func (s *Socket) Release() bool {
	f := s.lock.Acquire()
	s.refcount--
	dead := s.refcount == 0
	s.lock.Release(f)
	return dead
}

func (s *Socket) SetNonBlocking(v bool) {
	f := s.lock.Acquire()
	s.nonBlocking = v
	s.lock.Release(f)
}

// PollReadable reports readiness for select(2): non-empty receive queue
// for raw/UDP, or a connected/closing TCB with data or a pending
// connection (spec.md §4.7: "select reports readable iff the receive
// queue is non-empty").
func (s *Socket) PollReadable() bool {
	f := s.lock.Acquire()
	defer s.lock.Release(f)
	if s.kind == KindTCP {
		return s.tcb.pollReadable()
	}
	return len(s.rxQueue) > 0
}

func (s *Socket) PollWritable() bool {
	f := s.lock.Acquire()
	defer s.lock.Release(f)
	if s.kind == KindTCP {
		return s.tcb.pollWritable()
	}
	return true
}

// Bind assigns a local address/port. For UDP this reserves the port in
// the demux table; for TCP it only records the local address (the table
// entry is created by Listen or Connect).
func (t *Table) Bind(s *Socket, local Addr) kerr.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.kind == KindUDP {
		if local.Port != 0 {
			if _, taken := t.udp[local.Port]; taken {
				return kerr.AddressInUse
			}
		} else {
			local.Port = t.allocEphemeralUDP()
		}
		t.udp[local.Port] = s
	}
	// KindTCP: the table entry is only created once Listen or Connect
	// knows whether this will be a passive or active open; bind here just
	// records the requested local address/port (spec.md §6 "bind").
	s.local = local
	return kerr.OK
}

// Recv implements recv(2), dispatching to the kind-specific read
// semantics: TCP is a byte stream (a short read leaves the remainder
// queued); raw/UDP are datagram-oriented (spec.md §4.7: "partial reads
// discard the remainder of the current datagram").
func (s *Socket) Recv(buf []byte) (int, kerr.Errno) {
	if s.kind == KindTCP {
		return s.tcb.recv(buf)
	}
	n, _, errno := s.RecvFrom(buf)
	return n, errno
}

func (t *Table) allocEphemeralUDP() uint16 {
	for p := uint16(49152); p != 0; p++ {
		if _, taken := t.udp[p]; !taken {
			return p
		}
	}
	return 0
}

// enqueue appends an inbound datagram and wakes one blocked reader; it
// never drops (this kernel's receive queues are unbounded, matching spec.md §3's
// "receive queue of network messages" with no stated backpressure rule).
func (s *Socket) enqueue(from Addr, data []byte) {
	f := s.lock.Acquire()
	s.rxQueue = append(s.rxQueue, datagram{from: from, data: data})
	s.readable.Broadcast()
	s.lock.Release(f)
}

// RecvFrom implements recv/recvfrom for raw and UDP sockets: a partial
// read discards the remainder of the current datagram (spec.md §4.7:
// "partial reads discard the remainder of the current datagram").
func (s *Socket) RecvFrom(buf []byte) (int, Addr, kerr.Errno) {
	f := s.lock.Acquire()
	for len(s.rxQueue) == 0 {
		if s.nonBlocking {
			s.lock.Release(f)
			return 0, Addr{}, kerr.WouldBlock
		}
		f = s.readable.Wait(f)
	}
	d := s.rxQueue[0]
	s.rxQueue = s.rxQueue[1:]
	s.lock.Release(f)

	n := copy(buf, d.data)
	return n, d.from, kerr.OK
}

// deliverUDP is the IPv4 stack's protocol-17 handler: demuxes by
// destination port and enqueues the UDP payload.
func (t *Table) deliverUDP(hdr ipv4.Header, payload []byte, dev *netdev.Device) {
	if len(payload) < udpHeaderLen {
		return
	}
	dstPort := beUint16(payload[2:])
	srcPort := beUint16(payload[0:])

	t.mu.Lock()
	s := t.udp[dstPort]
	t.mu.Unlock()
	if s == nil {
		return
	}
	s.enqueue(Addr{IP: hdr.Src, Port: srcPort}, append([]byte(nil), payload[udpHeaderLen:]...))
}

// deliverRawRegistration builds the handler that feeds every raw socket registered for the datagram's protocol
// the full IP header plus payload, per spec.md §4.7.
func deliverRawRegistration(t *Table, proto uint8) ipv4.Handler {
	return func(hdr ipv4.Header, payload []byte, dev *netdev.Device) {
		full := make([]byte, ipv4.HeaderLen+len(payload))
		hdr.Encode(full)
		copy(full[ipv4.HeaderLen:], payload)

		t.mu.Lock()
		socks := append([]*Socket(nil), t.raw[proto]...)
		t.mu.Unlock()
		for _, s := range socks {
			s.enqueue(Addr{IP: hdr.Src}, full)
		}
	}
}

// RegisterRaw creates a raw socket for the given protocol and subscribes
// it to that protocol's deliveries. Protocols already claimed by UDP/TCP
// still reach registered raw sockets (spec.md's raw-socket description
// does not exclude this — raw sockets observe alongside the owning
// transport, the common BSD-socket behavior).
func (t *Table) RegisterRaw(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.raw[s.proto]; !ok {
		t.stack.RegisterHandler(s.proto, chainRawHandler(t, s.proto))
	}
	t.raw[s.proto] = append(t.raw[s.proto], s)
}

// chainRawHandler installs a handler that both dispatches to any protocol-
// specific handler already registered (UDP/TCP) and fans the datagram out
// to raw sockets, since Stack.RegisterHandler overwrites rather than
// chains. Raw registration for a protocol this table does not itself
// demux (e.g. ICMP, whose echo handler lives in internal/net/ipv4 and was
// installed directly on the Stack before a raw socket ever calls
// RegisterRaw) will replace that earlier handler; callers that want both
// must register the raw socket before installing ipv4.ICMPHandler, or
// route ICMP through a raw socket instead of ipv4.ICMPHandler entirely.
func chainRawHandler(t *Table, proto uint8) ipv4.Handler {
	raw := deliverRawRegistration(t, proto)
	var inner ipv4.Handler
	switch proto {
	case ipv4.ProtoUDP:
		inner = t.deliverUDP
	case ipv4.ProtoTCP:
		inner = t.deliverTCP
	}
	return func(hdr ipv4.Header, payload []byte, dev *netdev.Device) {
		if inner != nil {
			inner(hdr, payload, dev)
		}
		raw(hdr, payload, dev)
	}
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func txVia(stack *ipv4.Stack, proto uint8, src, dst uint32, df bool, payload []byte) kerr.Errno {
	b := nbuf.New(len(payload))
	copy(b.Append(len(payload)), payload)
	b.Proto = proto
	b.SrcIP = src
	b.DstIP = dst
	b.DF = df
	return stack.TxMsg(b)
}
