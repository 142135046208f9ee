package route

import (
	"testing"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/netdev"
)

func ip(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

func TestLongestPrefixWins(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	eth1 := netdev.New("eth1", netdev.HWEthernet, [6]byte{}, 1500, nil)

	if errno := tbl.AddRoute(ip(10, 0, 0, 0), ip(255, 0, 0, 0), 0, eth0); !errno.Ok() {
		t.Fatalf("add /8 failed: %v", errno)
	}
	if errno := tbl.AddRoute(ip(10, 0, 1, 0), ip(255, 255, 255, 0), 0, eth1); !errno.Ok() {
		t.Fatalf("add /24 failed: %v", errno)
	}

	r, errno := tbl.GetRoute(nil, ip(10, 0, 1, 5))
	if !errno.Ok() {
		t.Fatalf("lookup failed: %v", errno)
	}
	if r.Iface != eth1 {
		t.Fatalf("expected the /24 (more specific) route via eth1, got iface %v", r.Iface.Name)
	}

	r, errno = tbl.GetRoute(nil, ip(10, 0, 2, 5))
	if !errno.Ok() || r.Iface != eth0 {
		t.Fatalf("expected the /8 fallback via eth0, got %+v errno=%v", r, errno)
	}
}

func TestLocalRouteNextHopIsDestination(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	tbl.AddRoute(ip(192, 168, 1, 0), ip(255, 255, 255, 0), 0, eth0)
	r, errno := tbl.GetRoute(nil, ip(192, 168, 1, 42))
	if !errno.Ok() {
		t.Fatalf("lookup failed: %v", errno)
	}
	if got := r.NextHop(ip(192, 168, 1, 42)); got != ip(192, 168, 1, 42) {
		t.Fatalf("expected local route's next hop to be the destination, got %x", got)
	}
}

func TestGatewayRouteNextHopIsGateway(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	gw := ip(192, 168, 1, 1)
	tbl.AddRoute(0, 0, gw, eth0) // default route
	r, errno := tbl.GetRoute(nil, ip(8, 8, 8, 8))
	if !errno.Ok() {
		t.Fatalf("lookup failed: %v", errno)
	}
	if got := r.NextHop(ip(8, 8, 8, 8)); got != gw {
		t.Fatalf("expected gateway as next hop, got %x", got)
	}
}

func TestSrcConstrainedLookupRequiresOwningInterface(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	eth0.SetAddr(ip(10, 0, 0, 1), ip(255, 255, 255, 0))
	eth1 := netdev.New("eth1", netdev.HWEthernet, [6]byte{}, 1500, nil)
	eth1.SetAddr(ip(10, 0, 0, 2), ip(255, 255, 255, 0))
	tbl.AddRoute(ip(0, 0, 0, 0), ip(0, 0, 0, 0), ip(10, 0, 0, 254), eth0)
	tbl.AddRoute(ip(0, 0, 0, 0), ip(0, 0, 0, 0), ip(10, 0, 0, 254), eth1)

	src := ip(10, 0, 0, 2)
	r, errno := tbl.GetRoute(&src, ip(8, 8, 8, 8))
	if !errno.Ok() {
		t.Fatalf("lookup failed: %v", errno)
	}
	if r.Iface != eth1 {
		t.Fatalf("expected the route whose interface owns src, got %v", r.Iface.Name)
	}
}

func TestPurgeRemovesRoutesForInterface(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	tbl.AddRoute(ip(10, 0, 0, 0), ip(255, 0, 0, 0), 0, eth0)
	tbl.Purge(eth0)
	if _, errno := tbl.GetRoute(nil, ip(10, 0, 0, 1)); errno != kerr.AddressUnreachable {
		t.Fatalf("expected AddressUnreachable after purge, got %v", errno)
	}
}

func TestDelRouteRemovesEntry(t *testing.T) {
	tbl := NewTable()
	eth0 := netdev.New("eth0", netdev.HWEthernet, [6]byte{}, 1500, nil)
	tbl.AddRoute(ip(10, 0, 0, 0), ip(255, 0, 0, 0), 0, eth0)
	if errno := tbl.DelRoute(ip(10, 0, 0, 0), ip(255, 0, 0, 0)); !errno.Ok() {
		t.Fatalf("delete failed: %v", errno)
	}
	if _, errno := tbl.GetRoute(nil, ip(10, 0, 0, 1)); errno != kerr.AddressUnreachable {
		t.Fatalf("expected AddressUnreachable after delete, got %v", errno)
	}
}
