package syscall

import (
	"strings"
	"sync"

	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/mm"
	"github.com/nanokern/kernel/internal/net/socket"
	"github.com/nanokern/kernel/internal/proc"
	"github.com/nanokern/kernel/internal/vfs"
)

// socketFDBase separates socket descriptors from file descriptors within
// one process's numbering space: internal/proc's FDTable only ever stores
// *vfs.OpenFile, so rather than widen that type to an interface for every
// caller, this package keeps its own per-process socket table and offsets
// its descriptor numbers clear of any file descriptor the process could
// plausibly hold. A real kernel unifies both under one vnode-like
// abstraction; this is a deliberate, documented simplification of that
// unification (see DESIGN.md).
const socketFDBase = 1 << 20

type sockFDTable struct {
	mu   sync.Mutex
	next int
	m    map[int]*socket.Socket
}

func newSockFDTable() *sockFDTable { return &sockFDTable{next: socketFDBase, m: make(map[int]*socket.Socket)} }

func (t *sockFDTable) install(s *socket.Socket) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.m[fd] = s
	return fd
}

func (t *sockFDTable) get(fd int) (*socket.Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[fd]
	return s, ok
}

func (t *sockFDTable) remove(fd int) (*socket.Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[fd]
	delete(t.m, fd)
	return s, ok
}

// Context wires the syscall dispatch table to the subsystem singletons a
// handler needs: the process table, the VFS, the socket demux table, and
// the frame database CopyIn/CopyOut validate user buffers against.
type Context struct {
	Procs   *proc.Table
	VFS     *vfs.VFS
	Sockets *socket.Table
	Frames  *mm.FrameDB

	mu      sync.Mutex
	sockFDs map[int64]*sockFDTable
	heaps   map[int64]*heapState

	ticks int64
}

func NewContext(procs *proc.Table, v *vfs.VFS, sockets *socket.Table, frames *mm.FrameDB) *Context {
	return &Context{
		Procs:   procs,
		VFS:     v,
		Sockets: sockets,
		Frames:  frames,
		sockFDs: make(map[int64]*sockFDTable),
		heaps:   make(map[int64]*heapState),
	}
}

// Tick advances the context's tick counter, driving the time()/times()
// syscalls; the kernel's timer interrupt handler calls this once per tick
// alongside internal/sched's own Tick.
func (c *Context) Tick() { c.ticks++ }

func (c *Context) sockFDsFor(p *proc.Process) *sockFDTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.sockFDs[p.PID()]
	if !ok {
		t = newSockFDTable()
		c.sockFDs[p.PID()] = t
	}
	return t
}

// Args is the up-to-six-register argument vector spec.md §6 describes.
type Args [6]uint32

// Result is what a handler reports: a non-negative value is the syscall's
// return value, a negative Errno signals failure (the conventional
// negative-error-code convention spec.md §6 names for the block-device
// contract, generalized to every syscall here).
type Result struct {
	Value int64
	Errno kerr.Errno
}

func ok(v int64) Result        { return Result{Value: v, Errno: kerr.OK} }
func fail(e kerr.Errno) Result { return Result{Value: -1, Errno: e} }

// result turns a bare errno into a Result for handlers whose only return
// value is success/failure: OK becomes a 0-valued success, anything else
// the matching failure.
func result(e kerr.Errno) Result {
	if e.Ok() {
		return ok(0)
	}
	return fail(e)
}

type handlerFunc func(c *Context, p *proc.Process, a Args) Result

var table = map[Num]handlerFunc{
	SysFork:    sysFork,
	SysExecve:  sysExecve,
	SysExit:    sysExit,
	SysWaitpid: sysWaitpid,
	SysGetpid:  sysGetpid,
	SysGetppid: sysGetppid,
	SysSetpgid: sysSetpgid,
	SysGetpgrp: sysGetpgrp,
	SysSetsid:  sysSetsid,
	SysGetsid:  sysGetsid,
	SysKill:    sysKill,

	SysSigaction:   sysSigaction,
	SysSigprocmask: sysSigprocmask,

	SysGetuid:  sysGetuid,
	SysSetuid:  sysSetuid,
	SysGeteuid: sysGeteuid,
	SysSeteuid: sysSeteuid,
	SysGetgid:  sysGetgid,
	SysSetgid:  sysSetgid,
	SysGetegid: sysGetegid,
	SysSetegid: sysSetegid,

	SysOpen:   sysOpen,
	SysClose:  sysClose,
	SysRead:   sysRead,
	SysWrite:  sysWrite,
	SysLseek:  sysLseek,
	SysDup:    sysDup,
	SysDup2:   sysDup2,
	SysPipe:   sysPipe,
	SysLink:   sysLink,
	SysUnlink: sysUnlink,
	SysRename: sysRename,
	SysMkdir:  sysMkdir,
	SysRmdir:  sysRmdir,
	SysChdir:  sysChdir,
	SysGetcwd: sysGetcwd,
	SysIsatty: sysIsatty,

	SysSocket:      sysSocket,
	SysBind:        sysBind,
	SysConnect:     sysConnect,
	SysListen:      sysListen,
	SysAccept:      sysAccept,
	SysSend:        sysSend,
	SysRecv:        sysRecv,
	SysSendto:      sysSendto,
	SysRecvfrom:    sysRecvfrom,
	SysSetsockopt:  sysSetsockopt,

	SysSbrk: sysSbrk,

	SysTime:  sysTime,
	SysTimes: sysTimes,
}

// Dispatch looks up num's handler and runs it. An unrecognized number
// returns kerr.Invalid, the same code an out-of-range argument gets.
func (c *Context) Dispatch(p *proc.Process, num Num, a Args) Result {
	h, ok := table[num]
	if !ok {
		return fail(kerr.Invalid)
	}
	return h(c, p, a)
}

// copyInString reads a NUL-terminated path argument out of p's address
// space, bounded by maxPathLen to match a real kernel's PATH_MAX guard.
const maxPathLen = 4096

func copyInString(p *proc.Process, frames *mm.FrameDB, addr uint32) (string, kerr.Errno) {
	buf, errno := CopyIn(p.AS, frames, addr, maxPathLen)
	if !errno.Ok() {
		return "", errno
	}
	if i := indexByte(buf, 0); i >= 0 {
		return string(buf[:i]), kerr.OK
	}
	return "", kerr.BadAddress
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// joinCwd resolves path against base the way a shell's $PWD bookkeeping
// does, since vfs.Inode carries no parent pointer for proc to walk back up
// (see DESIGN.md's internal/proc ledger entry).
func joinCwd(base, path string) string {
	if strings.HasPrefix(path, "/") {
		base = "/"
	} else if base == "" {
		base = "/"
	}
	parts := strings.Split(base, "/")
	clean := parts[:0]
	for _, part := range parts {
		if part != "" {
			clean = append(clean, part)
		}
	}
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(clean) > 0 {
				clean = clean[:len(clean)-1]
			}
		default:
			clean = append(clean, comp)
		}
	}
	if len(clean) == 0 {
		return "/"
	}
	return "/" + strings.Join(clean, "/")
}
