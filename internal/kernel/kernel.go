// Package kernel composes every subsystem singleton spec.md §9 describes
// ("Global kernel state ... modelled as named subsystem singletons") into
// one bootable instance, and implements the in-kernel debug prompt §7
// reserves for invariant violations ("trap to an in-kernel debug prompt").
package kernel

import (
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/nanokern/kernel/internal/blockcache"
	"github.com/nanokern/kernel/internal/blockdev"
	"github.com/nanokern/kernel/internal/bootcfg"
	"github.com/nanokern/kernel/internal/ext2"
	"github.com/nanokern/kernel/internal/fat16"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/klog"
	"github.com/nanokern/kernel/internal/metrics"
	"github.com/nanokern/kernel/internal/mm"
	"github.com/nanokern/kernel/internal/net/ipv4"
	"github.com/nanokern/kernel/internal/net/nbuf"
	"github.com/nanokern/kernel/internal/net/netdev"
	"github.com/nanokern/kernel/internal/net/route"
	"github.com/nanokern/kernel/internal/net/socket"
	"github.com/nanokern/kernel/internal/proc"
	"github.com/nanokern/kernel/internal/sched"
	"github.com/nanokern/kernel/internal/syscall"
	"github.com/nanokern/kernel/internal/vfs"
)

var log = klog.Get("kernel")

// Kernel wires together one self-contained kernel instance: a CPU set, a
// physical memory pool, the process table, the VFS rooted at the
// configured root filesystem, the network stack and every interface
// bootcfg names, and the syscall dispatch table tying them to user
// processes.
type Kernel struct {
	Config  bootcfg.Config
	Metrics *metrics.Registry

	Frames *mm.FrameDB
	Sched  *sched.Scheduler
	Procs  *proc.Table

	RootDevice *blockdev.RAMDevice
	RootCache  *blockcache.Cache
	RootFS     vfs.Filesystem
	VFS        *vfs.VFS

	Routes  *route.Table
	Net     *ipv4.Stack
	Sockets *socket.Table
	Devices []*netdev.Device

	Syscalls *syscall.Context

	mu     sync.Mutex
	panics []PanicRecord
}

// New brings up one kernel instance from cfg: allocates the frame
// database, formats and mounts a fresh root filesystem RAM device (ext2
// or fat16), brings up every configured network interface, and wires the
// syscall dispatch table to all of it.
func New(cfg bootcfg.Config, m *metrics.Registry) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		Config:  cfg,
		Metrics: m,
		Frames:  mm.NewFrameDB(cfg.MemoryFrames),
		Sched:   sched.New(cfg.NumCPU),
		Routes:  route.NewTable(),
	}
	k.Procs = proc.NewTable(k.Sched, k.Frames)

	rootFS, dev, cache, err := mountRoot(cfg)
	if err != nil {
		return nil, err
	}
	k.RootDevice, k.RootCache, k.RootFS = dev, cache, rootFS
	k.VFS = vfs.New(rootFS.Root())

	k.Net = ipv4.NewStack(k.Routes)
	k.Sockets = socket.NewTable(k.Net)

	for _, ifc := range cfg.Interfaces {
		d, err := k.addInterface(ifc)
		if err != nil {
			return nil, err
		}
		k.Devices = append(k.Devices, d)
	}
	for _, r := range cfg.Routes {
		if err := k.addRoute(r); err != nil {
			return nil, err
		}
	}

	k.Syscalls = syscall.NewContext(k.Procs, k.VFS, k.Sockets, k.Frames)
	return k, nil
}

// mountRoot formats and mounts the root filesystem named by
// cfg.RootFSType. A RAM device stands in for a real block device until
// internal/blockdev grows a non-volatile backing (spec.md's block device
// contract is storage-agnostic; only internal/blockdev.RAMDevice exists so
// far, matching its own doc comment).
func mountRoot(cfg bootcfg.Config) (vfs.Filesystem, *blockdev.RAMDevice, *blockcache.Cache, error) {
	switch cfg.RootFSType {
	case "ext2":
		dev, cache := ext2.NewDevice(1, uint64(cfg.RootFSBlocks))
		if errno := ext2.Mkfs(1, cache, cfg.RootFSBlocks); !errno.Ok() {
			return nil, nil, nil, fmt.Errorf("kernel: formatting root ext2 device: %v", errno)
		}
		fs, errno := ext2.Mount(1, cache)
		if !errno.Ok() {
			return nil, nil, nil, fmt.Errorf("kernel: mounting root ext2 filesystem: %v", errno)
		}
		return fs, dev, cache, nil
	case "fat16":
		dev := blockdev.NewRAMDevice(1, uint64(cfg.RootFSBlocks))
		if errno := dev.Open(); !errno.Ok() {
			return nil, nil, nil, fmt.Errorf("kernel: opening root fat16 device: %v", errno)
		}
		cache := blockcache.New(dev, 64)
		if errno := fat16.Mkfs(1, cache, uint64(cfg.RootFSBlocks)); !errno.Ok() {
			return nil, nil, nil, fmt.Errorf("kernel: formatting root fat16 device: %v", errno)
		}
		fs, errno := fat16.Mount(1, cache)
		if !errno.Ok() {
			return nil, nil, nil, fmt.Errorf("kernel: mounting root fat16 filesystem: %v", errno)
		}
		return fs, dev, cache, nil
	default:
		return nil, nil, nil, fmt.Errorf("kernel: unsupported root_fs_type %q", cfg.RootFSType)
	}
}

// addInterface brings up one configured network interface. This kernel
// has no real NIC driver -- only the loopback-style software device
// internal/net/netdev itself models -- so every interface's transmit
// function feeds straight back into the IPv4 stack's receive path,
// documented in DESIGN.md as the simulated-hardware boundary this kernel
// stops at (spec.md's Non-goals already exclude a real device driver
// layer; this is the natural consequence, not a new one).
func (k *Kernel) addInterface(ifc bootcfg.InterfaceConfig) (*netdev.Device, error) {
	addr, err := parseIPv4(ifc.Addr)
	if err != nil {
		return nil, fmt.Errorf("kernel: interface %q: %w", ifc.Name, err)
	}
	mask, err := parseIPv4(ifc.Netmask)
	if err != nil {
		return nil, fmt.Errorf("kernel: interface %q: %w", ifc.Name, err)
	}

	dev := netdev.New(ifc.Name, netdev.HWLoopback, [6]byte{}, ifc.MTU, func(d *netdev.Device, b *nbuf.Buffer) kerr.Errno {
		return k.Net.RxMsg(d, b.Bytes())
	})
	dev.SetAddr(addr, mask)
	return dev, nil
}

func parseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3]), nil
}

func (k *Kernel) addRoute(r bootcfg.RouteConfig) error {
	dest, err := parseIPv4(r.Dest)
	if err != nil {
		return fmt.Errorf("kernel: route: %w", err)
	}
	mask, err := parseIPv4(r.Netmask)
	if err != nil {
		return fmt.Errorf("kernel: route: %w", err)
	}
	var gw uint32
	if r.Gateway != "" {
		gw, err = parseIPv4(r.Gateway)
		if err != nil {
			return fmt.Errorf("kernel: route: %w", err)
		}
	}
	var iface *netdev.Device
	for _, d := range k.Devices {
		if d.Name == r.Interface {
			iface = d
			break
		}
	}
	if iface == nil {
		return fmt.Errorf("kernel: route references unknown interface %q", r.Interface)
	}
	if errno := k.Routes.AddRoute(dest, mask, gw, iface); !errno.Ok() {
		return fmt.Errorf("kernel: adding route: %v", errno)
	}
	return nil
}

// Tick drives every subsystem's timer-interrupt-driven work once per
// scheduling quantum: preemption accounting, IPv4 reassembly timeouts, and
// the syscall layer's time()/times() counter.
func (k *Kernel) Tick() {
	for cpu := 0; cpu < k.Sched.NumCPU(); cpu++ {
		if k.Sched.Tick(cpu) {
			k.Metrics.SchedPreemptions.Inc()
			k.Sched.Preempt(cpu)
		}
	}
	k.Net.Tick()
	k.Syscalls.Tick()
}

// PanicRecord is one recorded invariant violation (spec.md §7's "trap to
// an in-kernel debug prompt").
type PanicRecord struct {
	Subsystem string
	Reason    string
	Stack     string
}

// Panic records an invariant violation and parks task (if non-nil) in a
// Stopped-like halt state instead of crashing the host process, so tests
// can assert a specific violation was raised rather than watch the test
// binary die (SPEC_FULL §5).
func (k *Kernel) Panic(subsystem, reason string, task *sched.Task) PanicRecord {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	rec := PanicRecord{Subsystem: subsystem, Reason: reason, Stack: string(buf[:n])}

	k.mu.Lock()
	k.panics = append(k.panics, rec)
	k.mu.Unlock()

	log.Printf("PANIC [%s]: %s", subsystem, reason)
	if task != nil {
		k.Sched.Stop(task)
	}
	return rec
}

// Panics returns every invariant violation recorded so far.
func (k *Kernel) Panics() []PanicRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]PanicRecord, len(k.panics))
	copy(out, k.panics)
	return out
}
