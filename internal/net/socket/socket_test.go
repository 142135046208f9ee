package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/ipv4"
	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
	"github.com/nanokern/kernel/internal/net/route"
)

func ip4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// newLoop builds an IPv4 stack over a loopback device that feeds every
// transmitted datagram straight back into the same stack's RxMsg,
// simulating two hosts sharing one wire without a second kernel instance.
func newLoop(t *testing.T) (*ipv4.Stack, *netdev.Device) {
	rt := route.NewTable()
	s := ipv4.NewStack(rt)
	var dev *netdev.Device
	dev = netdev.New("lo", netdev.HWLoopback, [6]byte{}, 1500, func(d *netdev.Device, b *nbuf.Buffer) kerr.Errno {
		return s.RxMsg(dev, b.Bytes())
	})
	dev.SetAddr(ip4(127, 0, 0, 1), ip4(255, 0, 0, 0))
	require.True(t, rt.AddRoute(ip4(127, 0, 0, 0), ip4(255, 0, 0, 0), 0, dev).Ok())
	return s, dev
}

func TestUDPSendRecvRoundTrip(t *testing.T) {
	stack, _ := newLoop(t)
	tbl := NewTable(stack)

	srv := tbl.Socket(KindUDP, 0)
	require.True(t, tbl.Bind(srv, Addr{IP: ip4(127, 0, 0, 1), Port: 9000}).Ok())

	cli := tbl.Socket(KindUDP, 0)
	require.True(t, tbl.Bind(cli, Addr{}).Ok())

	n, errno := tbl.SendTo(cli, Addr{IP: ip4(127, 0, 0, 1), Port: 9000}, []byte("hello"))
	require.True(t, errno.Ok())
	require.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, from, errno := srv.RecvFrom(buf)
	require.True(t, errno.Ok())
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, cli.local.Port, from.Port)
}

func TestTCPHandshakeDataAndClose(t *testing.T) {
	stack, _ := newLoop(t)
	tbl := NewTable(stack)

	listener := tbl.Socket(KindTCP, ipv4.ProtoTCP)
	require.True(t, tbl.Bind(listener, Addr{IP: ip4(127, 0, 0, 1), Port: 7000}).Ok())
	require.True(t, tbl.Listen(listener, 4).Ok())

	client := tbl.Socket(KindTCP, ipv4.ProtoTCP)

	connectDone := make(chan kerr.Errno, 1)
	go func() {
		connectDone <- tbl.Connect(client, Addr{IP: ip4(127, 0, 0, 1), Port: 7000})
	}()

	var accepted *Socket
	var acceptErrno kerr.Errno
	acceptDone := make(chan struct{})
	go func() {
		accepted, _, acceptErrno = tbl.Accept(listener)
		close(acceptDone)
	}()

	select {
	case errno := <-connectDone:
		require.True(t, errno.Ok())
	case <-time.After(time.Second):
		t.Fatal("connect did not complete")
	}
	select {
	case <-acceptDone:
		require.True(t, acceptErrno.Ok())
		require.NotNil(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("accept did not complete")
	}

	n, errno := tbl.Send(client, []byte("ping"))
	require.True(t, errno.Ok())
	require.Equal(t, 4, n)

	buf := make([]byte, 64)
	n, errno = accepted.Recv(buf)
	require.True(t, errno.Ok())
	require.Equal(t, "ping", string(buf[:n]))

	n, errno = tbl.Send(accepted, []byte("pong!"))
	require.True(t, errno.Ok())
	require.Equal(t, 5, n)

	n, errno = client.Recv(buf)
	require.True(t, errno.Ok())
	require.Equal(t, "pong!", string(buf[:n]))

	tbl.Close(client)
	time.Sleep(10 * time.Millisecond)
	n, errno = accepted.Recv(buf)
	require.True(t, errno.Ok())
	require.Equal(t, 0, n, "peer FIN must surface as a zero-length read, not an error")
}

func TestRawSocketReceivesFullIPDatagram(t *testing.T) {
	stack, _ := newLoop(t)
	tbl := NewTable(stack)

	raw := tbl.Socket(KindRaw, ipv4.ProtoUDP)
	tbl.RegisterRaw(raw)

	udpSender := tbl.Socket(KindUDP, 0)
	require.True(t, tbl.Bind(udpSender, Addr{}).Ok())
	_, errno := tbl.SendTo(udpSender, Addr{IP: ip4(127, 0, 0, 1), Port: 5353}, []byte("q"))
	require.True(t, errno.Ok())

	buf := make([]byte, 128)
	n, _, errno := raw.RecvFrom(buf)
	require.True(t, errno.Ok())
	require.True(t, n >= ipv4.HeaderLen+udpHeaderLen+1)
	hdr, ok := ipv4.DecodeHeader(buf[:n])
	require.True(t, ok)
	require.Equal(t, uint8(ipv4.ProtoUDP), hdr.Protocol)
}

func TestNonBlockingRecvReturnsWouldBlock(t *testing.T) {
	stack, _ := newLoop(t)
	tbl := NewTable(stack)
	s := tbl.Socket(KindUDP, 0)
	require.True(t, tbl.Bind(s, Addr{}).Ok())
	s.SetNonBlocking(true)
	_, _, errno := s.RecvFrom(make([]byte, 8))
	require.Equal(t, kerr.WouldBlock, errno)
}
