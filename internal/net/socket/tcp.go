package socket

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/ipv4"
	"github.com/nanokern/kernel/internal/net/netdev"
)

const tcpHeaderLen = 20

// TCP flag bits (RFC 793); this stack never sets URG or the ECN/CWR bits.
const (
	tcpFIN uint8 = 1 << 0
	tcpSYN uint8 = 1 << 1
	tcpRST uint8 = 1 << 2
	tcpPSH uint8 = 1 << 3
	tcpACK uint8 = 1 << 4
)

type tcpState int

// tcpState names follow RFC 793's state diagram (spec.md §3/§4.7: "TCP
// state machine").
const (
	tcpClosed tcpState = iota
	tcpListen
	tcpSynSent
	tcpSynRcvd
	tcpEstablished
	tcpFinWait1
	tcpFinWait2
	tcpCloseWait
	tcpClosing
	tcpLastAck
	tcpTimeWait
)

type tcpSeg struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

func encodeTCP(seg tcpSeg, src, dst uint32) []byte {
	buf := make([]byte, tcpHeaderLen+len(seg.payload))
	be := binary.BigEndian
	be.PutUint16(buf[0:], seg.srcPort)
	be.PutUint16(buf[2:], seg.dstPort)
	be.PutUint32(buf[4:], seg.seq)
	be.PutUint32(buf[8:], seg.ack)
	buf[12] = 5 << 4 // data offset: 5 words, no options
	buf[13] = seg.flags
	be.PutUint16(buf[14:], seg.window)
	be.PutUint16(buf[16:], 0) // checksum, filled below
	be.PutUint16(buf[18:], 0) // urgent pointer, unused
	copy(buf[tcpHeaderLen:], seg.payload)

	sum := ipv4.PseudoHeaderChecksum(src, dst, ipv4.ProtoTCP, len(buf))
	sum = ipv4.SumBytes(sum, buf)
	be.PutUint16(buf[16:], ipv4.FinishChecksum(sum))
	return buf
}

func decodeTCP(buf []byte) (tcpSeg, bool) {
	if len(buf) < tcpHeaderLen {
		return tcpSeg{}, false
	}
	be := binary.BigEndian
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < tcpHeaderLen || dataOffset > len(buf) {
		return tcpSeg{}, false
	}
	return tcpSeg{
		srcPort: be.Uint16(buf[0:]),
		dstPort: be.Uint16(buf[2:]),
		seq:     be.Uint32(buf[4:]),
		ack:     be.Uint32(buf[8:]),
		flags:   buf[13],
		window:  be.Uint16(buf[14:]),
		payload: buf[dataOffset:],
	}, true
}

var isnCounter uint32

func freshISN() uint32 { return atomic.AddUint32(&isnCounter, 64000) }

// tcb is one TCP control block: the state-machine half of a KindTCP
// Socket (spec.md §3 "Socket" carries "state"; this is that state plus
// the sequence-number bookkeeping RFC 793 needs). It is guarded by its
// owning Socket's lock — no separate lock of its own.
type tcb struct {
	sock  *Socket
	table *Table

	state tcpState

	sndNxt uint32 // next sequence number we will send
	sndUna uint32 // oldest unacknowledged sequence number we sent
	rcvNxt uint32 // next sequence number we expect from the peer

	recvBuf []byte // in-order payload bytes available to Recv
	peerFin bool   // peer has sent FIN and rcvNxt accounts for it

	backlog    []*Socket // Listen: children in SynRcvd or Established awaiting Accept
	stateCond  *ipc.Cond // signalled on any state transition
	acceptCond *ipc.Cond // signalled when a backlog child reaches Established
}

func newTCB(s *Socket, t *Table) *tcb {
	tb := &tcb{sock: s, table: t, state: tcpClosed}
	tb.stateCond = ipc.NewCond(&s.lock)
	tb.acceptCond = ipc.NewCond(&s.lock)
	return tb
}

func (tb *tcb) pollReadable() bool {
	return len(tb.recvBuf) > 0 || tb.peerFin || tb.state == tcpClosed
}

func (tb *tcb) pollWritable() bool {
	return tb.state == tcpEstablished || tb.state == tcpCloseWait
}

// Listen implements listen(2): marks a bound socket as a passive-open
// listener with the given backlog capacity.
func (t *Table) Listen(s *Socket, backlog int) kerr.Errno {
	f := s.lock.Acquire()
	defer s.lock.Release(f)
	if s.tcb.state != tcpClosed {
		return kerr.Invalid
	}
	if backlog <= 0 {
		backlog = 16
	}
	s.tcb.state = tcpListen
	s.tcb.backlog = make([]*Socket, 0, backlog)

	t.mu.Lock()
	if t.tcp[s.local] == nil {
		t.tcp[s.local] = make(map[Addr]*Socket)
	}
	t.tcp[s.local][Addr{}] = s
	t.mu.Unlock()
	return kerr.OK
}

// Accept implements accept(2): blocks until a pending connection
// completes its handshake, then returns the established child socket.
func (t *Table) Accept(s *Socket) (*Socket, Addr, kerr.Errno) {
	f := s.lock.Acquire()
	for {
		if s.tcb.state != tcpListen {
			s.lock.Release(f)
			return nil, Addr{}, kerr.Invalid
		}
		for i, child := range s.tcb.backlog {
			if child.tcb.state == tcpEstablished {
				s.tcb.backlog = append(s.tcb.backlog[:i], s.tcb.backlog[i+1:]...)
				foreign := child.foreign
				s.lock.Release(f)
				return child, foreign, kerr.OK
			}
		}
		if s.nonBlocking {
			s.lock.Release(f)
			return nil, Addr{}, kerr.WouldBlock
		}
		f = s.tcb.acceptCond.Wait(f)
	}
}

// Connect implements connect(2): active open, blocking until the
// three-way handshake completes or fails.
func (t *Table) Connect(s *Socket, foreign Addr) kerr.Errno {
	f := s.lock.Acquire()
	if s.tcb.state != tcpClosed {
		s.lock.Release(f)
		return kerr.Invalid
	}
	if s.local.Port == 0 {
		s.lock.Release(f)
		port, errno := t.bindEphemeralTCP(s)
		if !errno.Ok() {
			return errno
		}
		f = s.lock.Acquire()
		s.local.Port = port
	}
	if s.local.IP == 0 {
		if ip, errno := t.stack.SourceFor(foreign.IP); errno.Ok() {
			s.local.IP = ip
		}
	}
	s.foreign = foreign
	s.tcb.sndNxt = freshISN()
	s.tcb.sndUna = s.tcb.sndNxt
	s.tcb.state = tcpSynSent
	isn := s.tcb.sndNxt
	s.tcb.sndNxt++
	s.lock.Release(f)

	t.mu.Lock()
	if t.tcp[s.local] == nil {
		t.tcp[s.local] = make(map[Addr]*Socket)
	}
	t.tcp[s.local][foreign] = s
	t.mu.Unlock()

	t.sendSeg(s, isn, 0, tcpSYN, nil)

	f = s.lock.Acquire()
	for s.tcb.state == tcpSynSent {
		f = s.tcb.stateCond.Wait(f)
	}
	state := s.tcb.state
	s.lock.Release(f)
	if state != tcpEstablished {
		return kerr.ConnectionRefused
	}
	return kerr.OK
}

func (t *Table) bindEphemeralTCP(s *Socket) (uint16, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := uint16(49152); p != 0; p++ {
		local := Addr{IP: s.local.IP, Port: p}
		if _, taken := t.tcp[local]; !taken {
			return p, kerr.OK
		}
	}
	return 0, kerr.AddressInUse
}

// Send implements send(2) for an established TCP socket: a bare data
// push, no window/congestion accounting (this kernel's TCP favors
// correctness of the state machine over throughput, matching the
// "kernel core" scope's emphasis on getting demux/state transitions
// right over a full RFC 793 implementation).
func (t *Table) Send(s *Socket, data []byte) (int, kerr.Errno) {
	f := s.lock.Acquire()
	if s.tcb.state != tcpEstablished && s.tcb.state != tcpCloseWait {
		s.lock.Release(f)
		return 0, kerr.NotConnected
	}
	seq := s.tcb.sndNxt
	s.tcb.sndNxt += uint32(len(data))
	ack := s.tcb.rcvNxt
	local, foreign := s.local, s.foreign
	s.lock.Release(f)

	seg := tcpSeg{srcPort: local.Port, dstPort: foreign.Port, seq: seq, ack: ack, flags: tcpACK | tcpPSH, window: 65535, payload: data}
	if errno := txVia(t.stack, ipv4.ProtoTCP, local.IP, foreign.IP, false, encodeTCP(seg, local.IP, foreign.IP)); !errno.Ok() {
		return 0, errno
	}
	return len(data), kerr.OK
}

// recv implements the stream-semantics half of Recv for TCP: unlike raw/
// UDP, a short read leaves the remainder in the buffer for the next call.
func (tb *tcb) recv(buf []byte) (int, kerr.Errno) {
	s := tb.sock
	f := s.lock.Acquire()
	for len(tb.recvBuf) == 0 {
		if tb.peerFin || tb.state == tcpClosed {
			s.lock.Release(f)
			return 0, kerr.OK
		}
		if s.nonBlocking {
			s.lock.Release(f)
			return 0, kerr.WouldBlock
		}
		f = s.readable.Wait(f)
	}
	n := copy(buf, tb.recvBuf)
	tb.recvBuf = tb.recvBuf[n:]
	s.lock.Release(f)
	return n, kerr.OK
}

// Close implements close(2)'s effect on a TCP socket: initiates the
// active-close FIN sequence if a connection is open.
func (t *Table) Close(s *Socket) {
	f := s.lock.Acquire()
	tb := s.tcb
	local, foreign := s.local, s.foreign
	var seg *tcpSeg
	switch tb.state {
	case tcpEstablished:
		seq := tb.sndNxt
		tb.sndNxt++
		tb.state = tcpFinWait1
		seg = &tcpSeg{srcPort: local.Port, dstPort: foreign.Port, seq: seq, ack: tb.rcvNxt, flags: tcpFIN | tcpACK, window: 65535}
	case tcpCloseWait:
		seq := tb.sndNxt
		tb.sndNxt++
		tb.state = tcpLastAck
		seg = &tcpSeg{srcPort: local.Port, dstPort: foreign.Port, seq: seq, ack: tb.rcvNxt, flags: tcpFIN | tcpACK, window: 65535}
	default:
		tb.state = tcpClosed
	}
	s.lock.Release(f)
	if seg != nil {
		txVia(t.stack, ipv4.ProtoTCP, local.IP, foreign.IP, false, encodeTCP(*seg, local.IP, foreign.IP))
	}
	if tb.state == tcpClosed {
		t.mu.Lock()
		if m := t.tcp[local]; m != nil {
			delete(m, foreign)
		}
		t.mu.Unlock()
	}
}

// sendSeg transmits a control segment (SYN, SYN-ACK, ACK) with no payload.
func (t *Table) sendSeg(s *Socket, seq, ack uint32, flags uint8, payload []byte) {
	seg := tcpSeg{srcPort: s.local.Port, dstPort: s.foreign.Port, seq: seq, ack: ack, flags: flags, window: 65535, payload: payload}
	txVia(t.stack, ipv4.ProtoTCP, s.local.IP, s.foreign.IP, false, encodeTCP(seg, s.local.IP, s.foreign.IP))
}

// deliverTCP is the IPv4 stack's protocol-6 handler: demuxes by exact
// (local, foreign) match, falling back to a listener bound to the
// destination address/port, and feeds the segment through the matched
// socket's state machine.
func (t *Table) deliverTCP(hdr ipv4.Header, payload []byte, dev *netdev.Device) {
	seg, ok := decodeTCP(payload)
	if !ok {
		return
	}
	local := Addr{IP: hdr.Dst, Port: seg.dstPort}
	foreign := Addr{IP: hdr.Src, Port: seg.srcPort}

	t.mu.Lock()
	m := t.tcp[local]
	var s *Socket
	var listener *Socket
	if m != nil {
		s = m[foreign]
		listener = m[Addr{}]
	}
	t.mu.Unlock()

	if s != nil {
		t.inputEstablished(s, seg, local, foreign)
		return
	}
	if listener != nil && seg.flags&tcpSYN != 0 && seg.flags&tcpACK == 0 {
		t.inputListen(listener, seg, local, foreign)
	}
}

// inputListen handles an incoming SYN against a listening socket: spawns
// a child control block in SynRcvd and replies with SYN-ACK.
func (t *Table) inputListen(listener *Socket, seg tcpSeg, local, foreign Addr) {
	f := listener.lock.Acquire()
	if len(listener.tcb.backlog) >= cap(listener.tcb.backlog) && cap(listener.tcb.backlog) > 0 {
		listener.lock.Release(f)
		return // backlog full, drop the SYN without a reply
	}
	listener.lock.Release(f)

	child := &Socket{kind: KindTCP, proto: ipv4.ProtoTCP, local: local, foreign: foreign, refcount: 1}
	child.readable = ipc.NewCond(&child.lock)
	child.tcb = newTCB(child, t)
	child.tcb.state = tcpSynRcvd
	child.tcb.rcvNxt = seg.seq + 1
	isn := freshISN()
	child.tcb.sndUna = isn
	child.tcb.sndNxt = isn + 1

	t.mu.Lock()
	if t.tcp[local] == nil {
		t.tcp[local] = make(map[Addr]*Socket)
	}
	t.tcp[local][foreign] = child
	t.mu.Unlock()

	f = listener.lock.Acquire()
	listener.tcb.backlog = append(listener.tcb.backlog, child)
	listener.lock.Release(f)

	t.sendSeg(child, isn, child.tcb.rcvNxt, tcpSYN|tcpACK, nil)
}

// inputEstablished feeds a segment into an already-registered socket's
// state machine (post-handshake data/ACK/FIN processing).
func (t *Table) inputEstablished(s *Socket, seg tcpSeg, local, foreign Addr) {
	f := s.lock.Acquire()
	tb := s.tcb

	if seg.flags&tcpRST != 0 {
		tb.state = tcpClosed
		s.tcb.stateCond.Broadcast()
		s.readable.Broadcast()
		s.lock.Release(f)
		return
	}

	switch tb.state {
	case tcpSynSent:
		if seg.flags&tcpSYN != 0 && seg.flags&tcpACK != 0 {
			tb.rcvNxt = seg.seq + 1
			tb.sndUna = seg.ack
			tb.state = tcpEstablished
			tb.stateCond.Broadcast()
			s.lock.Release(f)
			t.sendSeg(s, tb.sndNxt, tb.rcvNxt, tcpACK, nil)
			return
		}
	case tcpSynRcvd:
		if seg.flags&tcpACK != 0 && seg.ack == tb.sndNxt {
			tb.state = tcpEstablished
			tb.stateCond.Broadcast()
			// the listener (if any) is woken via its own acceptCond by
			// whoever owns this child's parent; Accept polls backlog
			// state directly, so no separate signal is required here
			// beyond waking anyone already parked in Accept.
			t.wakeListenerAccept(local)
		}
	case tcpEstablished, tcpFinWait1, tcpFinWait2:
		if len(seg.payload) > 0 && seg.seq == tb.rcvNxt {
			tb.recvBuf = append(tb.recvBuf, seg.payload...)
			tb.rcvNxt += uint32(len(seg.payload))
			s.readable.Broadcast()
			s.lock.Release(f)
			t.sendSeg(s, tb.sndNxt, tb.rcvNxt, tcpACK, nil)
			f = s.lock.Acquire()
		}
		if seg.flags&tcpFIN != 0 && seg.seq == tb.rcvNxt {
			tb.rcvNxt++
			tb.peerFin = true
			s.readable.Broadcast()
			switch tb.state {
			case tcpEstablished:
				tb.state = tcpCloseWait
			case tcpFinWait1, tcpFinWait2:
				tb.state = tcpTimeWait
			}
			local, foreign := s.local, s.foreign
			s.lock.Release(f)
			t.sendSeg(s, tb.sndNxt, tb.rcvNxt, tcpACK, nil)
			if tb.state == tcpTimeWait {
				t.finalizeClosed(s, local, foreign)
			}
			return
		}
		if tb.state == tcpFinWait1 && seg.flags&tcpACK != 0 && seg.ack == tb.sndNxt {
			tb.state = tcpFinWait2
			tb.stateCond.Broadcast()
		}
	case tcpLastAck:
		if seg.flags&tcpACK != 0 && seg.ack == tb.sndNxt {
			tb.state = tcpClosed
			tb.stateCond.Broadcast()
			local, foreign := s.local, s.foreign
			s.lock.Release(f)
			t.finalizeClosed(s, local, foreign)
			return
		}
	case tcpClosing:
		if seg.flags&tcpACK != 0 && seg.ack == tb.sndNxt {
			tb.state = tcpTimeWait
			local, foreign := s.local, s.foreign
			s.lock.Release(f)
			t.finalizeClosed(s, local, foreign)
			return
		}
	}
	s.lock.Release(f)
}

func (t *Table) finalizeClosed(s *Socket, local, foreign Addr) {
	t.mu.Lock()
	if m := t.tcp[local]; m != nil {
		delete(m, foreign)
	}
	t.mu.Unlock()
}

func (t *Table) wakeListenerAccept(local Addr) {
	t.mu.Lock()
	listener := t.tcp[local][Addr{}]
	t.mu.Unlock()
	if listener == nil {
		return
	}
	f := listener.lock.Acquire()
	listener.tcb.acceptCond.Broadcast()
	listener.lock.Release(f)
}
