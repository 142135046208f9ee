package proc

import (
	"testing"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/mm"
	"github.com/nanokern/kernel/internal/sched"
	"github.com/nanokern/kernel/internal/signal"
	"github.com/nanokern/kernel/internal/vfs"
)

func newTable(t *testing.T) (*Table, *sched.Scheduler) {
	t.Helper()
	s := sched.New(1)
	return NewTable(s, mm.NewFrameDB(1<<16)), s
}

func mustInit(t *testing.T, tbl *Table, priority int) *Process {
	t.Helper()
	p, errno := tbl.Init(priority)
	if !errno.Ok() {
		t.Fatalf("Init: %v", errno)
	}
	return p
}

func TestCloneDuplicatesFDTableWithBumpedRefs(t *testing.T) {
	tbl, _ := newTable(t)
	parent := mustInit(t, tbl, 0)

	fs := &stubFS{name: "stub"}
	ino := vfs.NewInode(vfs.Key{Dev: 1, Ino: 1}, vfs.TypeFile, nil, fs)
	of := vfs.NewOpenFile(ino, vfs.ORDWR)
	fd := parent.FDs.Install(of)

	child, errno := tbl.Clone(parent, false)
	if !errno.Ok() {
		t.Fatalf("Clone: %v", errno)
	}
	if child.pid == parent.pid {
		t.Fatal("child got the same pid as parent")
	}

	childFile, errno := child.FDs.Get(fd)
	if !errno.Ok() {
		t.Fatalf("child missing fd %d: %v", fd, errno)
	}
	if childFile != of {
		t.Fatal("child's descriptor does not reference the same OpenFile")
	}
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	tbl, _ := newTable(t)
	init := mustInit(t, tbl, 0)
	mid, _ := tbl.Clone(init, false)
	grandchild, _ := tbl.Clone(mid, false)

	tbl.Exit(mid, 0)

	if grandchild.parent != init {
		t.Fatalf("grandchild not reparented to init: parent pid=%d", grandchild.parent.pid)
	}
}

func TestWaitReturnsExitedChildStatus(t *testing.T) {
	tbl, _ := newTable(t)
	parent := mustInit(t, tbl, 0)
	child, _ := tbl.Clone(parent, false)

	done := make(chan struct{})
	go func() {
		tbl.Exit(child, 42)
		close(done)
	}()

	pid, status, errno := tbl.Wait(parent, child.pid, WaitOpts{})
	<-done
	if !errno.Ok() {
		t.Fatalf("Wait: %v", errno)
	}
	if pid != child.pid || status != 42 {
		t.Fatalf("got pid=%d status=%d, want pid=%d status=42", pid, status, child.pid)
	}
}

func TestWaitReportsNotFoundWithNoChildren(t *testing.T) {
	tbl, _ := newTable(t)
	parent := mustInit(t, tbl, 0)
	if _, _, errno := tbl.Wait(parent, -1, WaitOpts{NoHang: true}); errno != kerr.NotFound {
		t.Fatalf("expected NotFound with no children, got %v", errno)
	}
}

func TestKillSIGSTOPThenSIGCONTTransitionsSchedulerState(t *testing.T) {
	tbl, s := newTable(t)
	p := mustInit(t, tbl, 0)
	s.Enqueue(p.Task)

	tbl.Kill(p, signal.SIGSTOP)
	if p.Task.State() != sched.Stopped {
		t.Fatalf("expected Stopped after SIGSTOP, got %v", p.Task.State())
	}

	tbl.Kill(p, signal.SIGCONT)
	if p.Task.State() != sched.Ready {
		t.Fatalf("expected Ready after SIGCONT, got %v", p.Task.State())
	}
}

func TestDeliverPendingAppliesDefaultTerminate(t *testing.T) {
	tbl, s := newTable(t)
	p := mustInit(t, tbl, 0)
	s.Enqueue(p.Task)

	tbl.Kill(p, signal.SIGTERM)
	n, _, delivered := tbl.DeliverPending(p)
	if n != signal.SIGTERM {
		t.Fatalf("expected SIGTERM to be picked, got %v", n)
	}
	if delivered {
		t.Fatal("default-terminate signals should not report delivered=true")
	}
	if p.Task.State() != sched.Zombie {
		t.Fatalf("expected Zombie after default-terminate SIGTERM, got %v", p.Task.State())
	}
}

func TestDeliverPendingReportsHandlerForCaughtSignal(t *testing.T) {
	tbl, s := newTable(t)
	p := mustInit(t, tbl, 0)
	s.Enqueue(p.Task)

	p.SigAction(signal.SIGUSR1, signal.Action{Handler: 0x1000})
	tbl.Kill(p, signal.SIGUSR1)

	n, act, delivered := tbl.DeliverPending(p)
	if !delivered {
		t.Fatal("expected delivered=true for a signal with an installed handler")
	}
	if n != signal.SIGUSR1 || act.Handler != 0x1000 {
		t.Fatalf("unexpected delivery: n=%v act=%+v", n, act)
	}
}

func TestRaiseSIGTTINStopsBackgroundGroup(t *testing.T) {
	tbl, s := newTable(t)
	p := mustInit(t, tbl, 0)
	s.Enqueue(p.Task)

	// SIGTTIN's default disposition (Stop) only takes effect at
	// DeliverPending -- it is not one of the immediate-action signals
	// (SIGKILL/SIGSTOP/SIGCONT).
	tbl.RaiseSIGTTIN(p.Pgid())
	if _, act, delivered := tbl.DeliverPending(p); delivered || act.Handler != signal.HandlerDefault {
		t.Fatalf("expected default SIGTTIN handling")
	}
	if p.Task.State() != sched.Stopped {
		t.Fatalf("expected Stopped after SIGTTIN default action, got %v", p.Task.State())
	}
}

// stubFS is a minimal vfs.Filesystem for FD-table tests that never touch
// real storage.
type stubFS struct{ name string }

func (f *stubFS) Root() *vfs.Inode { return nil }
func (f *stubFS) Sync() kerr.Errno { return kerr.OK }
func (f *stubFS) Name() string     { return f.name }
