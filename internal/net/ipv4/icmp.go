package ipv4

import (
	"encoding/binary"

	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
)

// ICMP message types this stack understands (RFC 792), per spec.md §4.7
// "ICMP echo/destination-unreachable".
const (
	icmpEchoReply   = 0
	icmpDestUnreach = 3
	icmpEchoRequest = 8
)

const icmpHeaderLen = 8

// DestUnreachPortCode is RFC 792's "port unreachable" code; this
// stack only ever originates "port unreachable", raised by the transport
// layer when a UDP datagram targets a port with no listening socket.
const DestUnreachPortCode = 3

// Echo is a decoded ICMP echo request/reply.
type Echo struct {
	ID      uint16
	Seq     uint16
	Payload []byte
}

// DecodeEcho parses an ICMP echo request/reply body (icmpType must be
// icmpEchoRequest or icmpEchoReply by the caller).
func DecodeEcho(body []byte) (Echo, bool) {
	if len(body) < icmpHeaderLen {
		return Echo{}, false
	}
	return Echo{
		ID:      binary.BigEndian.Uint16(body[4:]),
		Seq:     binary.BigEndian.Uint16(body[6:]),
		Payload: body[icmpHeaderLen:],
	}, true
}

func encodeICMP(buf []byte, typ, code uint8, rest uint32, payload []byte) {
	buf[0] = typ
	buf[1] = code
	binary.BigEndian.PutUint16(buf[2:], 0) // checksum, filled below
	binary.BigEndian.PutUint32(buf[4:], rest)
	copy(buf[icmpHeaderLen:], payload)
	cksum := icmpChecksum(buf[:icmpHeaderLen+len(payload)])
	binary.BigEndian.PutUint16(buf[2:], cksum)
}

// icmpChecksum is the same one's-complement Internet checksum as the IPv4
// header's, computed here over the whole ICMP message rather than a fixed
// 20-byte header.
func icmpChecksum(data []byte) uint16 {
	sum := SumBytes(0, data)
	return FinishChecksum(sum)
}

// ICMPHandler returns a Handler suitable for Stack.RegisterHandler(ProtoICMP, ...)
// that answers echo requests and silently ignores everything else it does
// not originate itself (spec.md §4.7: "ICMP echo/destination-unreachable").
func ICMPHandler(s *Stack) Handler {
	return func(hdr Header, payload []byte, dev *netdev.Device) {
		if len(payload) < icmpHeaderLen {
			return
		}
		switch payload[0] {
		case icmpEchoRequest:
			echo, ok := DecodeEcho(payload)
			if !ok {
				return
			}
			sendEchoReply(s, hdr.Src, echo)
		}
	}
}

func sendEchoReply(s *Stack, dst uint32, echo Echo) {
	body := make([]byte, icmpHeaderLen+len(echo.Payload))
	binary.BigEndian.PutUint16(body[4:], echo.ID)
	binary.BigEndian.PutUint16(body[6:], echo.Seq)
	encodeICMP(body, icmpEchoReply, 0, uint32(echo.ID)<<16|uint32(echo.Seq), echo.Payload)

	b := nbuf.New(len(body))
	copy(b.Append(len(body)), body)
	b.Proto = ProtoICMP
	b.DstIP = dst
	s.TxMsg(b)
}

// SendDestUnreachable originates an ICMP destination-unreachable message
// carrying the offending IP header and its first 8 bytes of payload, per
// RFC 792's convention for diagnostic quoting.
func SendDestUnreachable(s *Stack, dst uint32, code uint8, origHeader, origPayload []byte) {
	quote := origPayload
	if len(quote) > 8 {
		quote = quote[:8]
	}
	inner := make([]byte, 0, len(origHeader)+len(quote))
	inner = append(inner, origHeader...)
	inner = append(inner, quote...)

	body := make([]byte, icmpHeaderLen+len(inner))
	encodeICMP(body, icmpDestUnreach, code, 0, inner)

	b := nbuf.New(len(body))
	copy(b.Append(len(body)), body)
	b.Proto = ProtoICMP
	b.DstIP = dst
	s.TxMsg(b)
}
