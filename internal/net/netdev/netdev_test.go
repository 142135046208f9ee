package netdev

import (
	"testing"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/nbuf"
)

func TestTxInvokesInstalledFunction(t *testing.T) {
	var got *nbuf.Buffer
	dev := New("eth0", HWEthernet, [6]byte{1, 2, 3, 4, 5, 6}, 1500, func(d *Device, b *nbuf.Buffer) kerr.Errno {
		got = b
		return kerr.OK
	})
	b := nbuf.New(0)
	if errno := dev.Tx(b); !errno.Ok() {
		t.Fatalf("tx failed: %v", errno)
	}
	if got != b {
		t.Fatal("tx function did not receive the buffer")
	}
}

func TestDeliverInvokesRxUpcallWithSelfAsIngress(t *testing.T) {
	dev := New("lo", HWLoopback, [6]byte{}, 65535, nil)
	var seen *Device
	dev.SetRxUpcall(func(d *Device, b *nbuf.Buffer) { seen = d })
	dev.Deliver(nbuf.New(0))
	if seen != dev {
		t.Fatal("rx upcall did not see the delivering device")
	}
}

func TestDeliverWithoutUpcallIsNoop(t *testing.T) {
	dev := New("eth0", HWEthernet, [6]byte{}, 1500, nil)
	dev.Deliver(nbuf.New(0)) // must not panic with no rx installed
}

func TestSetAddrRoundTrip(t *testing.T) {
	dev := New("eth0", HWEthernet, [6]byte{}, 1500, nil)
	dev.SetAddr(0x0A000001, 0xFF000000)
	if dev.Addr != 0x0A000001 || dev.Netmask != 0xFF000000 {
		t.Fatalf("got addr=%x netmask=%x", dev.Addr, dev.Netmask)
	}
}
