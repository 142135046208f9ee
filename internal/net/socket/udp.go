package socket

import (
	"encoding/binary"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/ipv4"
)

const udpHeaderLen = 8

// SendTo implements send/sendto for a UDP socket (spec.md §6 "sendto").
// An unbound socket is first bound to an ephemeral port (through Bind)
// before the datagram is sent.
func (t *Table) SendTo(s *Socket, dst Addr, payload []byte) (int, kerr.Errno) {
	if s.local.Port == 0 {
		if errno := t.Bind(s, Addr{}); !errno.Ok() {
			return 0, errno
		}
	}
	srcIP := s.local.IP
	if srcIP == 0 {
		var errno kerr.Errno
		srcIP, errno = t.stack.SourceFor(dst.IP)
		if !errno.Ok() {
			return 0, errno
		}
	}

	seg := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:], s.local.Port)
	binary.BigEndian.PutUint16(seg[2:], dst.Port)
	binary.BigEndian.PutUint16(seg[4:], uint16(len(seg)))
	binary.BigEndian.PutUint16(seg[6:], 0)
	copy(seg[udpHeaderLen:], payload)

	// UDP checksum is optional over IPv4 (a zero value means "none");
	// this stack always computes one since every other checksum it emits
	// is real, avoiding a silent-corruption blind spot.
	sum := ipv4.PseudoHeaderChecksum(srcIP, dst.IP, ipv4.ProtoUDP, len(seg))
	sum = ipv4.SumBytes(sum, seg)
	cksum := ipv4.FinishChecksum(sum)
	if cksum == 0 {
		cksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(seg[6:], cksum)

	if errno := txVia(t.stack, ipv4.ProtoUDP, srcIP, dst.IP, false, seg); !errno.Ok() {
		return 0, errno
	}
	return len(payload), kerr.OK
}
