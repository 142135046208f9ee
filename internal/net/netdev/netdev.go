// Package netdev implements the network device contract spec.md §6
// describes: per-NIC transmit, MTU, assigned IPv4 address/netmask, MAC
// address, hardware type, and the upcall path into the IPv4 layer that
// delivers a received frame's payload to ip_rx_msg.
package netdev

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/net/nbuf"
)

// HardwareType mirrors ARPHRD_* values closely enough for this kernel's
// needs: just enough to tell a real NIC from the loopback device.
type HardwareType int

const (
	HWEthernet HardwareType = iota
	HWLoopback
)

// RxUpcall is the function a netdev calls with each received buffer; the
// IPv4 layer installs ip_rx_msg here once it is constructed, keeping
// internal/net/netdev free of a direct import on internal/net/ipv4.
type RxUpcall func(dev *Device, b *nbuf.Buffer)

// TxFunc is how a concrete device actually puts bytes on the wire (or, for
// a software-only device, into some other process's receive path); it is
// supplied by whatever creates the Device.
type TxFunc func(dev *Device, b *nbuf.Buffer) kerr.Errno

// Device is one network interface: its addressing, MTU, and the transmit
// function the IPv4 layer's ip_tx_msg hands finished datagrams to.
type Device struct {
	Name    string
	HWType  HardwareType
	MAC     [6]byte
	MTU     int
	Addr    uint32 // assigned IPv4 address, network byte order value as a uint32
	Netmask uint32

	tx TxFunc

	// limiter paces egress bytes when non-nil; a nil limiter means
	// unthrottled, which is the default for every device this kernel
	// constructs unless a caller explicitly installs one via SetRateLimit.
	limiter *rate.Limiter

	rx RxUpcall
}

// New creates a device with the given identity and transmit function. The
// caller (the IPv4 layer's interface registration path) installs the
// receive upcall separately via SetRxUpcall once ip_rx_msg exists.
func New(name string, hw HardwareType, mac [6]byte, mtu int, tx TxFunc) *Device {
	return &Device{Name: name, HWType: hw, MAC: mac, MTU: mtu, tx: tx}
}

func (d *Device) SetAddr(addr, netmask uint32) {
	d.Addr = addr
	d.Netmask = netmask
}

func (d *Device) SetRxUpcall(rx RxUpcall) { d.rx = rx }

// SetRateLimit installs an egress byte-rate limiter (burst in bytes,
// sustained rate in bytes/sec); this is the "rate shaping hook" SPEC_FULL's
// domain-stack section wires golang.org/x/time/rate into.
func (d *Device) SetRateLimit(bytesPerSec, burst int) {
	d.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Tx transmits a finished buffer, waiting on the rate limiter first if one
// is installed. Blocking here is acceptable: IP transmission already runs
// from a task context that may suspend (spec.md §5 suspension points).
func (d *Device) Tx(b *nbuf.Buffer) kerr.Errno {
	if d.limiter != nil {
		if err := d.limiter.WaitN(context.Background(), b.Len()); err != nil {
			return kerr.IOError
		}
	}
	return d.tx(d, b)
}

// Deliver is the upcall a device's receive path (a goroutine simulating
// an interrupt handler, or a loopback device's own Tx) calls with a
// freshly-arrived frame's IP payload.
func (d *Device) Deliver(b *nbuf.Buffer) {
	if d.rx != nil {
		b.In = d
		d.rx(d, b)
	}
}
