package kernel

import (
	"os"
	"testing"

	"github.com/nanokern/kernel/internal/bootcfg"
	"github.com/nanokern/kernel/internal/metrics"
	"github.com/nanokern/kernel/internal/syscall"
	"github.com/nanokern/kernel/internal/testutil"
)

// TestMain toggles this package's subsystem logger to debug level when run
// under DEBUG=1, the same switch go-fuse's own test suites flip via
// testutil.VerboseTest rather than always tracing or never tracing.
func TestMain(m *testing.M) {
	log.SetDebug(testutil.VerboseTest())
	os.Exit(m.Run())
}

func newTestConfig() bootcfg.Config {
	cfg := bootcfg.Defaults()
	cfg.MemoryFrames = 1 << 12
	cfg.RootFSBlocks = 1 << 10
	cfg.Interfaces = []bootcfg.InterfaceConfig{
		{Name: "lo", Addr: "127.0.0.1", Netmask: "255.0.0.0", MTU: 1500},
	}
	cfg.Routes = []bootcfg.RouteConfig{
		{Dest: "127.0.0.0", Netmask: "255.0.0.0", Interface: "lo"},
	}
	return cfg
}

func TestNewBringsUpEveryRootFSType(t *testing.T) {
	for _, fsType := range []string{"ext2", "fat16"} {
		cfg := newTestConfig()
		cfg.RootFSType = fsType
		k, err := New(cfg, metrics.New())
		if err != nil {
			t.Fatalf("New(%s): %v", fsType, err)
		}
		if k.VFS == nil || k.VFS.Root == nil {
			t.Fatalf("New(%s): VFS root not set", fsType)
		}
		if k.RootFS.Name() != fsType {
			t.Fatalf("RootFS.Name() = %q, want %q", k.RootFS.Name(), fsType)
		}
	}
}

func TestNewWiresInterfacesAndRoutes(t *testing.T) {
	k, err := New(newTestConfig(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(k.Devices) != 1 || k.Devices[0].Name != "lo" {
		t.Fatalf("Devices = %+v, want one device named lo", k.Devices)
	}
	if _, errno := k.Routes.GetRoute(nil, 0x7F000001); !errno.Ok() {
		t.Fatalf("GetRoute for loopback destination: %v", errno)
	}
}

func TestNewRejectsUnknownRouteInterface(t *testing.T) {
	cfg := newTestConfig()
	cfg.Routes[0].Interface = "eth9"
	if _, err := New(cfg, metrics.New()); err == nil {
		t.Fatalf("New: expected error for route naming an unconfigured interface")
	}
}

func TestPanicRecordsAndStopsTask(t *testing.T) {
	k, err := New(newTestConfig(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, errno := k.Procs.Init(0)
	if !errno.Ok() {
		t.Fatalf("Init: %v", errno)
	}
	k.Sched.Enqueue(p.Task)

	rec := k.Panic("mm", "double free of frame 42", p.Task)
	if rec.Subsystem != "mm" || rec.Reason != "double free of frame 42" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(k.Panics()) != 1 {
		t.Fatalf("Panics() length = %d, want 1", len(k.Panics()))
	}
}

func TestTickAdvancesSyscallClock(t *testing.T) {
	k, err := New(newTestConfig(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, errno := k.Procs.Init(0)
	if !errno.Ok() {
		t.Fatalf("Init: %v", errno)
	}
	before := k.Syscalls.Dispatch(p, syscall.SysTime, syscall.Args{})
	k.Tick()
	k.Tick()
	after := k.Syscalls.Dispatch(p, syscall.SysTime, syscall.Args{})
	if after.Value <= before.Value {
		t.Fatalf("time did not advance: before=%d after=%d", before.Value, after.Value)
	}
}
