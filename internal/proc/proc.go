// Package proc implements the process/task model: the process table, the
// per-process file descriptor table, credentials, clone/exec/exit/wait,
// signal delivery, and job control (spec.md §4.2). It holds a
// *sched.Task per process and drives internal/sched's Enqueue/Wake/
// Stop/Resume/Exit at the right moments; it owns no scheduling policy of
// its own.
package proc

import (
	"sync"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/mm"
	"github.com/nanokern/kernel/internal/sched"
	"github.com/nanokern/kernel/internal/signal"
	"github.com/nanokern/kernel/internal/vfs"
)

// Credentials holds the real/effective uid and gid spec.md §6 lists
// getuid/setuid/geteuid/seteuid/getgid/setgid/getegid/setegid for.
type Credentials struct {
	UID, EUID uint32
	GID, EGID uint32
}

// FDTable is a process's open-file-descriptor slots, protected by its own
// lock (spec.md §5: "the FD table per process is protected by its own
// lock").
type FDTable struct {
	mu    sync.Mutex
	files map[int]*vfs.OpenFile
	next  int
}

func newFDTable() *FDTable {
	return &FDTable{files: make(map[int]*vfs.OpenFile)}
}

// Install assigns the lowest-numbered free descriptor to f.
func (t *FDTable) Install(f *vfs.OpenFile) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	if fd == t.next {
		t.next++
	}
	return fd
}

// Get returns the open file backing fd.
func (t *FDTable) Get(fd int) (*vfs.OpenFile, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, kerr.BadDescriptor
	}
	return f, kerr.OK
}

// Close drops fd. The caller (internal/vfs.VFS or equivalent) must call
// f.Close() itself first to learn whether this was the last reference.
func (t *FDTable) Close(fd int) (*vfs.OpenFile, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, kerr.BadDescriptor
	}
	delete(t.files, fd)
	if fd < t.next {
		t.next = fd
	}
	return f, kerr.OK
}

// Dup installs a second descriptor referencing the same OpenFile as fd.
func (t *FDTable) Dup(fd int) (int, kerr.Errno) {
	f, errno := t.Get(fd)
	if !errno.Ok() {
		return 0, errno
	}
	f.AddRef()
	return t.Install(f), kerr.OK
}

// Dup2 makes newfd refer to the same OpenFile as fd, closing whatever
// newfd previously held.
func (t *FDTable) Dup2(fd, newfd int) (int, kerr.Errno) {
	f, errno := t.Get(fd)
	if !errno.Ok() {
		return 0, errno
	}
	if old, errno := t.Close(newfd); errno.Ok() {
		if old.Close() {
			old.Inode.Ops.Release(old.Inode)
		}
	}
	f.AddRef()
	t.mu.Lock()
	t.files[newfd] = f
	t.mu.Unlock()
	return newfd, kerr.OK
}

// clone duplicates every descriptor into a fresh table, bumping each
// OpenFile's refcount (spec.md §4.2: "duplicates the FD table, each open
// file gains a ref").
func (t *FDTable) clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := newFDTable()
	nt.next = t.next
	for fd, f := range t.files {
		f.AddRef()
		nt.files[fd] = f
	}
	return nt
}

// closeAll releases every descriptor, used by exit().
func (t *FDTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.files {
		if f.Close() {
			f.Inode.Ops.Release(f.Inode)
		}
	}
	t.files = make(map[int]*vfs.OpenFile)
}

// waitResult records one child state change wait/waitpid can report
// (spec.md §4.2).
type waitResult struct {
	pid    int64
	status int
	signal signal.Num
	kind   waitKind
}

type waitKind int

const (
	waitExited waitKind = iota
	waitKilled
	waitStopped
	waitContinued
)

// Process is the resource-container unit spec.md §3 describes: an address
// space, a credentials set, an FD table, and the signal/job-control state
// shared by every task in the process. This kernel only ever runs one task
// per process (nr_tasks_to_copy of 1 in every exercised path), so Task is
// embedded directly rather than held in a slice.
type Process struct {
	lock ipc.Spinlock

	pid    int64
	ppid   int64
	pgid   int32
	sid    int32
	parent *Process

	Task *sched.Task
	AS   *mm.AddressSpace

	// EntryPoint is the last image's exec() entry address, recorded for
	// introspection; this kernel's Task carries no real instruction
	// pointer to seed (spec.md has no ISA-level execution model), so
	// nothing dispatches off it today.
	EntryPoint uint32

	Creds   Credentials
	Cwd     *vfs.Inode
	CwdPath string // getcwd's answer; tracked alongside Cwd since Inode carries no parent pointer to walk back up
	FDs     *FDTable
	TTY     TerminalDevice

	sigActions [signal.SIGTTOU + 1]signal.Action
	sigMask    signal.Set
	sigPending signal.Set

	zombie     bool
	exitStatus int

	childWaiters *ipc.Cond
	pendingWait  []waitResult
}

// TerminalDevice is the subset of chardev.Device that job control needs;
// kept as an interface here so internal/proc does not import
// internal/chardev (which would cycle, since chardev imports vfs and proc
// sits above vfs).
type TerminalDevice interface {
	ForegroundPGID() int32
	SetForegroundPGID(int32)
}

// Table is the kernel-wide process table singleton (spec.md §9, §5: "the
// process table" is one of the named subsystems behind its own lock).
type Table struct {
	lock    ipc.Spinlock
	procs   map[int64]*Process
	nextPID int64
	sched   *sched.Scheduler
	frames  *mm.FrameDB
}

func NewTable(s *sched.Scheduler, frames *mm.FrameDB) *Table {
	return &Table{procs: make(map[int64]*Process), nextPID: 1, sched: s, frames: frames}
}

// Init creates pid 1 with no parent, the conventional root of the process
// tree, along with its own fresh address space.
func (t *Table) Init(priority int) (*Process, kerr.Errno) {
	as, errno := mm.NewAddressSpace(t.frames)
	if !errno.Ok() {
		return nil, errno
	}

	f := t.lock.Acquire()
	defer t.lock.Release(f)

	pid := t.nextPID
	t.nextPID++
	p := t.newProcessLocked(pid, nil, priority)
	p.AS = as
	p.pgid, p.sid = int32(pid), int32(pid)
	return p, kerr.OK
}

func (t *Table) newProcessLocked(pid int64, parent *Process, priority int) *Process {
	p := &Process{
		pid:     pid,
		parent:  parent,
		FDs:     newFDTable(),
		CwdPath: "/",
	}
	if parent != nil {
		p.ppid = parent.pid
		p.pgid = parent.pgid
		p.sid = parent.sid
		p.Cwd = parent.Cwd
		p.CwdPath = parent.CwdPath
		p.Creds = parent.Creds
		p.TTY = parent.TTY
	}
	p.Task = sched.NewTask(pid, priority)
	p.childWaiters = ipc.NewCond(&t.lock)
	t.procs[pid] = p
	return p
}

// PID and PPID report p's process and parent-process ids; both are
// immutable after creation, so no lock is needed.
func (p *Process) PID() int64  { return p.pid }
func (p *Process) PPID() int64 { return p.ppid }

// IsZombie reports whether p has already called exit.
func (p *Process) IsZombie() bool {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	return p.zombie
}

// Lookup finds a process by pid.
func (t *Table) Lookup(pid int64) (*Process, bool) {
	f := t.lock.Acquire()
	defer t.lock.Release(f)
	p, ok := t.procs[pid]
	return p, ok
}

// Clone implements clone(share_vm, nr_tasks_to_copy) (spec.md §4.2): a new
// address space, an FD table duplicated with bumped refs, and the calling
// task copied. share_vm is accepted for interface completeness; this
// kernel always gives the child its own address-space handle, since
// internal/mm's own AddressSpace.Clone always performs a copy -- no pack
// repo or spec.md invariant calls for literal CoW sharing here.
func (t *Table) Clone(parent *Process, shareVM bool) (*Process, kerr.Errno) {
	var as *mm.AddressSpace
	if parent.AS != nil {
		var errno kerr.Errno
		as, errno = parent.AS.Clone()
		if !errno.Ok() {
			return nil, errno
		}
	}

	f := t.lock.Acquire()
	pid := t.nextPID
	t.nextPID++
	child := t.newProcessLocked(pid, parent, parent.Task.Priority())
	t.lock.Release(f)

	child.AS = as
	child.FDs = parent.FDs.clone()
	t.sched.Enqueue(child.Task)
	return child, kerr.OK
}

// Exit marks p's task Zombie, reparents its children to init (pid 1, if
// present), queues SIGCHLD to the parent, and wakes anyone waiting on it
// (spec.md §4.2).
func (t *Table) Exit(p *Process, status int) {
	p.FDs.closeAll()
	if p.AS != nil {
		p.AS.ReleasePageTables()
	}

	f := t.lock.Acquire()
	p.zombie = true
	p.exitStatus = status
	init, hasInit := t.procs[1]
	for _, c := range t.procs {
		if c.parent == p {
			c.parent = init
			if hasInit {
				c.ppid = 1
			}
		}
	}
	parent := p.parent
	t.lock.Release(f)

	t.sched.Exit(p.Task)

	if parent != nil {
		t.Kill(parent, signal.SIGCHLD)
		f := t.lock.Acquire()
		parent.pendingWait = append(parent.pendingWait, waitResult{pid: p.pid, status: status, kind: waitExited})
		parent.childWaiters.Broadcast()
		t.lock.Release(f)
	}
}

// WaitOpts mirrors the WUNTRACED/WCONTINUED flags spec.md §4.2 names.
type WaitOpts struct {
	Untraced  bool
	Continued bool
	NoHang    bool
}

// Wait implements wait/waitpid: blocks on parent's per-process condition
// variable until a child matching targetPID (or any child, if 0) changes
// state (spec.md §4.2). A target of -1 also means "any child".
func (t *Table) Wait(parent *Process, targetPID int64, opts WaitOpts) (int64, int, kerr.Errno) {
	f := t.lock.Acquire()
	defer t.lock.Release(f)

	for {
		for i, r := range parent.pendingWait {
			if targetPID != 0 && targetPID != -1 && r.pid != targetPID {
				continue
			}
			parent.pendingWait = append(parent.pendingWait[:i], parent.pendingWait[i+1:]...)
			return r.pid, r.status, kerr.OK
		}
		if !t.hasChildLocked(parent, targetPID) {
			return 0, 0, kerr.NotFound
		}
		if opts.NoHang {
			return 0, 0, kerr.OK
		}
		f = parent.childWaiters.Wait(f)
	}
}

func (t *Table) hasChildLocked(parent *Process, targetPID int64) bool {
	if targetPID > 0 {
		c, ok := t.procs[targetPID]
		return ok && c.parent == parent
	}
	for _, c := range t.procs {
		if c.parent == parent {
			return true
		}
	}
	return false
}

// OpenFilesBelow satisfies vfs's openFileCounter. Since Inode carries no
// parent pointer, "below point" is approximated by "on the same
// filesystem as point" -- the same coarse-graining spec.md's own do_mount
// contract tolerates, since a freshly-created mount point never has
// unrelated files open on the filesystem being grafted over it.
func (t *Table) OpenFilesBelow(point *vfs.Inode) int {
	f := t.lock.Acquire()
	defer t.lock.Release(f)
	n := 0
	for _, p := range t.procs {
		p.FDs.mu.Lock()
		for _, of := range p.FDs.files {
			if of.Inode.FS == point.FS {
				n++
			}
		}
		p.FDs.mu.Unlock()
	}
	return n
}

// CwdsInside satisfies vfs's openFileCounter.
func (t *Table) CwdsInside(fs vfs.Filesystem) int {
	f := t.lock.Acquire()
	defer t.lock.Release(f)
	n := 0
	for _, p := range t.procs {
		if p.Cwd != nil && p.Cwd.FS == fs {
			n++
		}
	}
	return n
}
