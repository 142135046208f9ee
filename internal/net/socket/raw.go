package socket

import "github.com/nanokern/kernel/internal/kerr"

// SendRaw implements send/sendto for a raw socket: payload is handed
// straight to ip_tx_msg under the socket's own protocol number, with the
// kernel filling in the IP header exactly as it would for any other
// originated datagram (spec.md §4.7 "Raw sockets").
func (t *Table) SendRaw(s *Socket, dst Addr, payload []byte) (int, kerr.Errno) {
	srcIP := s.local.IP
	if errno := txVia(t.stack, s.proto, srcIP, dst.IP, false, payload); !errno.Ok() {
		return 0, errno
	}
	return len(payload), kerr.OK
}
