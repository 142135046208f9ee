// Package chardev implements the character-device line discipline: the
// termios-configurable canonical/raw input queue, output queue, and
// foreground-process-group job control a controlling terminal needs
// (spec.md §2 "Character devices", SPEC_FULL.md §5).
//
// A chardev.Device is not itself a vfs.Filesystem entry with a path; like
// internal/pipefs's anonymous pipe, it is created directly (by whatever
// sets up a process's controlling terminal) and wrapped in a vfs.Inode via
// NewInode, which also makes it a vfs.Pollable so select(2) can query it.
package chardev

import (
	"golang.org/x/sys/unix"

	"github.com/nanokern/kernel/internal/ipc"
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/vfs"
)

const queueCapacity = 4096

// JobControl is the hook internal/proc installs so a terminal can request
// signal delivery to a process group without internal/chardev importing
// internal/proc (which embeds vfs.OpenFile and would cycle back here).
type JobControl interface {
	RaiseSIGINT(pgid int32)
	RaiseSIGTTIN(pgid int32)
	RaiseSIGTTOU(pgid int32)
}

// ring is the same fixed-capacity byte ring internal/pipefs.Pipe uses,
// reimplemented locally rather than shared because chardev's Inject needs
// to rewind the write cursor for VERASE/VKILL editing, which pipefs's ring
// never needs to support.
type ring struct {
	buf   []byte
	r, w  int
	count int
}

func newRing() ring { return ring{buf: make([]byte, queueCapacity)} }

func (rb *ring) push(b byte) bool {
	if rb.count == len(rb.buf) {
		return false
	}
	rb.buf[rb.w] = b
	rb.w = (rb.w + 1) % len(rb.buf)
	rb.count++
	return true
}

func (rb *ring) pop() (byte, bool) {
	if rb.count == 0 {
		return 0, false
	}
	b := rb.buf[rb.r]
	rb.r = (rb.r + 1) % len(rb.buf)
	rb.count--
	return b, true
}

// eraseLast removes the most recently pushed byte, if any (VERASE).
func (rb *ring) eraseLast() bool {
	if rb.count == 0 {
		return false
	}
	rb.w = (rb.w - 1 + len(rb.buf)) % len(rb.buf)
	rb.count--
	return true
}

// clear discards every byte not yet popped (VKILL).
func (rb *ring) clear() { rb.r, rb.w, rb.count = 0, 0, 0 }

// Device is a terminal's line discipline: termios configuration, the
// pending-input queue a reading process drains, the pending-output queue a
// console consumer drains, and the foreground process group job control
// reads/writes are gated on.
type Device struct {
	lock              ipc.Spinlock
	inNotEmpty        *ipc.Cond
	outNotEmpty       *ipc.Cond
	outNotFull        *ipc.Cond
	rawLine           ring // bytes typed since the last completed line (canonical mode only)
	in                ring // completed input ready for Read
	out               ring // output written by a process, pending console Drain
	termios           unix.Termios
	winsize           unix.Winsize
	foregroundPGID    int32
	sessionID         int32
	jc                JobControl
}

func defaultTermios() unix.Termios {
	var t unix.Termios
	t.Iflag = unix.ICRNL
	t.Oflag = unix.OPOST
	t.Lflag = unix.ICANON | unix.ECHO | unix.ISIG
	t.Cc[unix.VINTR] = 3   // ^C
	t.Cc[unix.VEOF] = 4    // ^D
	t.Cc[unix.VERASE] = 127
	t.Cc[unix.VKILL] = 21 // ^U
	return t
}

// New creates a terminal device with a sane default termios (canonical
// mode, echo on, signals on) and an 80x24 window.
func New() *Device {
	d := &Device{
		rawLine: newRing(),
		in:      newRing(),
		out:     newRing(),
		termios: defaultTermios(),
		winsize: unix.Winsize{Row: 24, Col: 80},
	}
	d.inNotEmpty = ipc.NewCond(&d.lock)
	d.outNotEmpty = ipc.NewCond(&d.lock)
	d.outNotFull = ipc.NewCond(&d.lock)
	return d
}

func (d *Device) SetJobControl(jc JobControl) {
	f := d.lock.Acquire()
	d.jc = jc
	d.lock.Release(f)
}

func (d *Device) SetForegroundPGID(pgid int32) {
	f := d.lock.Acquire()
	d.foregroundPGID = pgid
	d.lock.Release(f)
}

func (d *Device) ForegroundPGID() int32 {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.foregroundPGID
}

func (d *Device) SetSessionID(sid int32) {
	f := d.lock.Acquire()
	d.sessionID = sid
	d.lock.Release(f)
}

func (d *Device) SessionID() int32 {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.sessionID
}

// Tcgetattr returns the current termios settings (TCGETS).
func (d *Device) Tcgetattr() unix.Termios {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.termios
}

// Tcsetattr installs new termios settings (TCSETS/TCSETSW/TCSETSF: the
// drain/flush distinctions those three ioctls make on Linux are not
// modeled since this driver has no real hardware latency to drain ahead
// of).
func (d *Device) Tcsetattr(t unix.Termios) {
	f := d.lock.Acquire()
	d.termios = t
	d.lock.Release(f)
}

func (d *Device) GetWinsize() unix.Winsize {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.winsize
}

func (d *Device) SetWinsize(w unix.Winsize) {
	f := d.lock.Acquire()
	d.winsize = w
	d.lock.Release(f)
}

// Inject feeds one byte of input from the simulated hardware side (e.g. a
// console's keystroke source) into the line discipline: INTR raises
// SIGINT at the foreground process group instead of being queued; in
// canonical mode, ERASE/KILL edit the in-progress line and ordinary bytes
// are held in rawLine until a newline or EOF character completes the
// line; in raw mode every byte is immediately visible to Read. ECHO
// mirrors accepted bytes onto the output queue, as a real terminal mirrors
// typed input back to the display.
func (d *Device) Inject(b byte) {
	f := d.lock.Acquire()
	defer d.lock.Release(f)

	if d.termios.Lflag&unix.ISIG != 0 && b == d.termios.Cc[unix.VINTR] {
		if d.jc != nil {
			d.jc.RaiseSIGINT(d.foregroundPGID)
		}
		return
	}

	if d.termios.Lflag&unix.ICANON == 0 {
		d.in.push(b)
		d.inNotEmpty.Broadcast()
		d.echo(b)
		return
	}

	switch {
	case b == d.termios.Cc[unix.VERASE]:
		d.rawLine.eraseLast()
		return
	case b == d.termios.Cc[unix.VKILL]:
		d.rawLine.clear()
		return
	}

	d.rawLine.push(b)
	d.echo(b)
	if b == '\n' || b == d.termios.Cc[unix.VEOF] {
		for {
			c, ok := d.rawLine.pop()
			if !ok {
				break
			}
			if !d.in.push(c) {
				break
			}
		}
		d.inNotEmpty.Broadcast()
	}
}

// echo mirrors an accepted input byte onto the output queue when ECHO is
// enabled; best-effort, a full output queue silently drops the echoed
// byte rather than blocking the hardware-injection path.
func (d *Device) echo(b byte) {
	if d.termios.Lflag&unix.ECHO != 0 {
		d.out.push(b)
		d.outNotEmpty.Broadcast()
	}
}

// Read drains queued input for the calling process group, blocking until
// at least one byte is available. A background process group (one that is
// not the terminal's foreground group) is held to SIGTTIN job control: the
// read fails Interrupted, after raising SIGTTIN through the JobControl hook
// if one is installed. chardev does not stop the calling process itself.
func (d *Device) Read(callerPGID int32, buf []byte) (int, kerr.Errno) {
	f := d.lock.Acquire()
	if callerPGID != d.foregroundPGID {
		if d.jc != nil {
			d.jc.RaiseSIGTTIN(callerPGID)
		}
		d.lock.Release(f)
		return 0, kerr.Interrupted
	}
	for d.in.count == 0 {
		f = d.inNotEmpty.Wait(f)
	}
	n := 0
	for n < len(buf) {
		c, ok := d.in.pop()
		if !ok {
			break
		}
		buf[n] = c
		n++
	}
	d.lock.Release(f)
	return n, kerr.OK
}

// Write queues output bytes for the console side to Drain, blocking while
// the output queue is full. TOSTOP job control (SIGTTOU for a background
// writer) is honored only when the termios TOSTOP bit is set, matching
// real tty semantics where background writes are normally allowed.
func (d *Device) Write(callerPGID int32, buf []byte) (int, kerr.Errno) {
	f := d.lock.Acquire()
	if d.termios.Lflag&unix.TOSTOP != 0 && callerPGID != d.foregroundPGID {
		if d.jc != nil {
			d.jc.RaiseSIGTTOU(callerPGID)
		}
		d.lock.Release(f)
		return 0, kerr.Interrupted
	}
	n := 0
	for n < len(buf) {
		for d.out.count == len(d.out.buf) {
			f = d.outNotFull.Wait(f)
		}
		for n < len(buf) && d.out.count < len(d.out.buf) {
			d.out.push(buf[n])
			n++
		}
		d.outNotEmpty.Broadcast()
	}
	d.lock.Release(f)
	return n, kerr.OK
}

// Drain is the console-side counterpart to Write: it pulls whatever
// output is currently queued without blocking, for whatever renders this
// terminal to drain into a display.
func (d *Device) Drain(buf []byte) int {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	n := 0
	for n < len(buf) {
		c, ok := d.out.pop()
		if !ok {
			break
		}
		buf[n] = c
		n++
	}
	if n > 0 {
		d.outNotFull.Broadcast()
	}
	return n
}

func (d *Device) PollReadable() bool {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.in.count > 0
}

func (d *Device) PollWritable() bool {
	f := d.lock.Acquire()
	defer d.lock.Release(f)
	return d.out.count < len(d.out.buf)
}

// fsDriver is chardev's trivial vfs.Filesystem implementation, mirroring
// internal/pipefs's: a terminal inode needs an Inode.FS value but is never
// mounted or resolved by path itself.
type fsDriver struct{}

func (fsDriver) Root() *vfs.Inode { return nil }
func (fsDriver) Sync() kerr.Errno { return kerr.OK }
func (fsDriver) Name() string     { return "chardev" }

var driver fsDriver

// ops implements vfs.Ops for a terminal inode. The generic Read/Write path
// has no caller-process-group parameter to thread through (vfs.Ops's
// signature predates job control), so it treats the caller as the
// foreground group; call sites that know the real caller pgid (the
// eventual internal/proc read/write syscall handlers) should call
// Device.Read/Write directly instead of going through vfs.Ops.
type ops struct{}

func (ops) Read(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) {
	d := ino.Private.(*Device)
	n, errno := d.Read(d.ForegroundPGID(), buf)
	return n, errno
}
func (ops) Write(ino *vfs.Inode, off int64, buf []byte) (int, kerr.Errno) {
	d := ino.Private.(*Device)
	return d.Write(d.ForegroundPGID(), buf)
}
func (ops) Truncate(ino *vfs.Inode, size int64) kerr.Errno { return kerr.Invalid }
func (ops) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, kerr.Errno) {
	return nil, kerr.NotDirectory
}
func (ops) Link(dir *vfs.Inode, name string, target *vfs.Inode) (*vfs.Inode, kerr.Errno) {
	return nil, kerr.NotDirectory
}
func (ops) Unlink(dir *vfs.Inode, name string) kerr.Errno { return kerr.NotDirectory }
func (ops) Readdir(dir *vfs.Inode, cursor int64) ([]vfs.Dirent, int64, bool, kerr.Errno) {
	return nil, 0, true, kerr.NotDirectory
}
func (ops) Release(ino *vfs.Inode) kerr.Errno { return kerr.OK }

var driverOps ops

// NewInode wraps a fresh Device in a vfs.Inode, with the given device/inode
// numbers (the caller — device enumeration, e.g. a future devfs — picks
// these so they stay unique across whatever character devices exist).
func NewInode(dev uint32, ino uint64) (*vfs.Inode, *Device) {
	d := New()
	vi := vfs.NewInode(vfs.Key{Dev: dev, Ino: ino}, vfs.TypeChar, driverOps, driver)
	vi.Private = d
	return vi, d
}
