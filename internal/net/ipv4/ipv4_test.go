package ipv4

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
	"github.com/nanokern/kernel/internal/net/route"
)

func ip4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// TestHeaderEncodeMatchesGopacketOracle cross-checks our hand-rolled header
// encoder against an independent encoder (google/gopacket/layers), per the
// domain-stack note that gopacket is wired in purely as a test oracle.
func TestHeaderEncodeMatchesGopacketOracle(t *testing.T) {
	hdr := Header{
		TotalLen: HeaderLen + 4,
		ID:       0xBEEF,
		TTL:      DefaultTTL,
		Protocol: ProtoUDP,
		Src:      ip4(10, 0, 0, 1),
		Dst:      ip4(10, 0, 0, 2),
	}
	buf := make([]byte, HeaderLen)
	hdr.Encode(buf)

	oracle := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Length:   HeaderLen + 4,
		Id:       0xBEEF,
		TTL:      DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	out := gopacket.NewSerializeBuffer()
	require.NoError(t, oracle.SerializeTo(out, gopacket.SerializeOptions{ComputeChecksums: true}))

	require.Equal(t, out.Bytes()[:HeaderLen], buf, "our encoder must match gopacket's byte-for-byte")
	require.True(t, ValidateChecksum(buf))
}

func newLoopTestStack(t *testing.T, mtu int) (*Stack, *netdev.Device, *[][]byte) {
	var sent [][]byte
	var dev *netdev.Device
	dev = netdev.New("eth0", netdev.HWEthernet, [6]byte{}, mtu, func(d *netdev.Device, b *nbuf.Buffer) kerr.Errno {
		sent = append(sent, append([]byte(nil), b.Bytes()...))
		return kerr.OK
	})
	dev.SetAddr(ip4(192, 168, 1, 1), ip4(255, 255, 255, 0))
	rt := route.NewTable()
	require.True(t, rt.AddRoute(ip4(192, 168, 1, 0), ip4(255, 255, 255, 0), 0, dev).Ok())
	return NewStack(rt), dev, &sent
}

// TestFragmentationMatchesSeedScenario reproduces the spec's seed scenario:
// a 2000-byte payload at MTU 1500 splits into a 1480-byte fragment (offset
// 0, MF=1) followed by a 520-byte fragment (offset 185, MF=0), sharing one
// fragment ID.
func TestFragmentationMatchesSeedScenario(t *testing.T) {
	s, _, sent := newLoopTestStack(t, 1500)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := nbuf.New(len(payload))
	copy(b.Append(len(payload)), payload)
	b.Proto = ProtoUDP
	b.DstIP = ip4(192, 168, 1, 1)

	require.True(t, s.TxMsg(b).Ok())
	require.Len(t, *sent, 2)

	h0, ok := DecodeHeader((*sent)[0])
	require.True(t, ok)
	require.EqualValues(t, 0, h0.FragOffset)
	require.True(t, h0.MF)
	require.Len(t, (*sent)[0][HeaderLen:], 1480)

	h1, ok := DecodeHeader((*sent)[1])
	require.True(t, ok)
	require.EqualValues(t, 185, h1.FragOffset)
	require.False(t, h1.MF)
	require.Len(t, (*sent)[1][HeaderLen:], 520)
	require.Equal(t, h0.ID, h1.ID)
}

// TestDFSetAndOversizeReturnsMessageTooBig covers the "doesn't fit and DF
// is set" branch of ip_tx_msg.
func TestDFSetAndOversizeReturnsMessageTooBig(t *testing.T) {
	s, _, _ := newLoopTestStack(t, 1500)
	payload := make([]byte, 2000)
	b := nbuf.New(len(payload))
	copy(b.Append(len(payload)), payload)
	b.Proto = ProtoUDP
	b.DstIP = ip4(192, 168, 1, 1)
	b.DF = true
	require.Equal(t, kerr.MessageTooBig, s.TxMsg(b))
}

// TestReassemblyOutOfOrder reproduces the spec's out-of-order-arrival seed
// scenario: fragments of a 1490-byte ICMP-bearing datagram delivered in
// reverse order still reassemble, and the handler fires exactly once.
func TestReassemblyOutOfOrder(t *testing.T) {
	s, dev, _ := newLoopTestStack(t, 1500)

	var gotCount int
	var gotPayload []byte
	s.RegisterHandler(ProtoICMP, func(hdr Header, payload []byte, d *netdev.Device) {
		gotCount++
		gotPayload = append([]byte(nil), payload...)
	})

	full := make([]byte, 1490)
	for i := range full {
		full[i] = byte(i % 251)
	}

	const fragSize = 1000
	makeFrag := func(offsetBytes int, data []byte, mf bool) []byte {
		h := Header{
			TotalLen:   uint16(HeaderLen + len(data)),
			ID:         77,
			MF:         mf,
			FragOffset: uint16(offsetBytes / 8),
			TTL:        DefaultTTL,
			Protocol:   ProtoICMP,
			Src:        ip4(203, 0, 113, 5),
			Dst:        dev.Addr,
		}
		buf := make([]byte, HeaderLen+len(data))
		h.Encode(buf)
		copy(buf[HeaderLen:], data)
		return buf
	}

	frag0 := makeFrag(0, full[:fragSize], true)
	frag1 := makeFrag(fragSize, full[fragSize:], false)

	// Deliver the tail fragment first, then the head.
	require.True(t, s.RxMsg(dev, frag1).Ok())
	require.Equal(t, 0, gotCount, "must not dispatch before offset 0 arrives")
	require.True(t, s.RxMsg(dev, frag0).Ok())
	require.Equal(t, 1, gotCount)
	require.Equal(t, full, gotPayload)
}

// TestReassemblyTimesOutAfterInactivity covers the 15-tick inactivity bound.
func TestReassemblyTimesOutAfterInactivity(t *testing.T) {
	s, dev, _ := newLoopTestStack(t, 1500)

	h := Header{
		TotalLen:   HeaderLen + 100,
		ID:         1,
		MF:         true,
		FragOffset: 0,
		TTL:        DefaultTTL,
		Protocol:   ProtoUDP,
		Src:        ip4(203, 0, 113, 5),
		Dst:        dev.Addr,
	}
	buf := make([]byte, HeaderLen+100)
	h.Encode(buf)
	require.True(t, s.RxMsg(dev, buf).Ok())
	require.Len(t, s.reasm, 1)

	for i := 0; i < reassemblyTimeoutTicks+1; i++ {
		s.Tick()
	}
	require.Len(t, s.reasm, 0, "stale reassembly context must be dropped after 15 idle ticks")
}

// TestRxMsgRejectsWrongDestination covers the strong-host validation rule.
func TestRxMsgRejectsWrongDestination(t *testing.T) {
	s, dev, _ := newLoopTestStack(t, 1500)
	h := Header{
		TotalLen: HeaderLen,
		TTL:      DefaultTTL,
		Protocol: ProtoUDP,
		Src:      ip4(203, 0, 113, 5),
		Dst:      ip4(192, 168, 1, 99), // not dev's address
	}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)
	require.Equal(t, kerr.AddressUnreachable, s.RxMsg(dev, buf))
}

// TestRxMsgRejectsBadChecksum covers checksum validation.
func TestRxMsgRejectsBadChecksum(t *testing.T) {
	s, dev, _ := newLoopTestStack(t, 1500)
	h := Header{TotalLen: HeaderLen, TTL: DefaultTTL, Protocol: ProtoUDP, Dst: dev.Addr}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)
	buf[1] ^= 0xFF // corrupt TOS without recomputing the checksum
	require.Equal(t, kerr.Invalid, s.RxMsg(dev, buf))
}

func TestICMPEchoRequestProducesReply(t *testing.T) {
	s, dev, sent := newLoopTestStack(t, 1500)
	s.RegisterHandler(ProtoICMP, ICMPHandler(s))
	// Default route, so the reply to the off-link requester can be sent.
	require.True(t, s.routes.AddRoute(0, 0, ip4(192, 168, 1, 254), dev).Ok())

	body := make([]byte, icmpHeaderLen+4)
	encodeICMP(body, icmpEchoRequest, 0, uint32(1)<<16|2, []byte{1, 2, 3, 4})

	h := Header{
		TotalLen: uint16(HeaderLen + len(body)),
		TTL:      DefaultTTL,
		Protocol: ProtoICMP,
		Src:      ip4(198, 51, 100, 9),
		Dst:      dev.Addr,
	}
	buf := make([]byte, HeaderLen+len(body))
	h.Encode(buf)
	copy(buf[HeaderLen:], body)

	require.True(t, s.RxMsg(dev, buf).Ok())
	require.Len(t, *sent, 1)

	replyHdr, ok := DecodeHeader((*sent)[0])
	require.True(t, ok)
	require.Equal(t, uint8(ProtoICMP), replyHdr.Protocol)
	require.Equal(t, ip4(198, 51, 100, 9), replyHdr.Dst)
	require.Equal(t, uint8(icmpEchoReply), (*sent)[0][HeaderLen])
}
