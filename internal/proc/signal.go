package proc

import (
	"github.com/nanokern/kernel/internal/kerr"
	"github.com/nanokern/kernel/internal/signal"
)

// SigAction installs act as p's disposition for n (the sigaction syscall).
// SIGKILL rejects any override, matching signal.Blockable's "never
// blockable" rule extended to dispositions (spec.md §4.2).
func (p *Process) SigAction(n signal.Num, act signal.Action) kerr.Errno {
	if n == signal.SIGKILL {
		return kerr.Invalid
	}
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	p.sigActions[n] = act
	return kerr.OK
}

// SigProcMask implements sigprocmask's SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK
// how values.
type MaskHow int

const (
	SigBlock MaskHow = iota
	SigUnblock
	SigSetMask
)

func (p *Process) SigProcMask(how MaskHow, set signal.Set) signal.Set {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	old := p.sigMask
	switch how {
	case SigBlock:
		p.sigMask |= set &^ (1 << uint(signal.SIGKILL))
	case SigUnblock:
		p.sigMask &^= set
	case SigSetMask:
		p.sigMask = set &^ (1 << uint(signal.SIGKILL))
	}
	return old
}

// Kill queues n for delivery to target (the kill syscall's per-process
// path). SIGKILL, SIGSTOP and SIGCONT act immediately on the scheduler
// state; everything else wakes the target and waits for the next
// return-to-user boundary via
// DeliverPending (spec.md §4.2: "a signal is delivered at the boundary of
// return to user mode").
func (t *Table) Kill(target *Process, n signal.Num) kerr.Errno {
	f := target.lock.Acquire()
	target.sigPending = target.sigPending.Add(n)
	target.lock.Release(f)

	switch n {
	case signal.SIGKILL:
		t.Exit(target, killedStatus(n))
	case signal.SIGSTOP:
		t.sched.Stop(target.Task)
	case signal.SIGCONT:
		t.sched.Resume(target.Task)
	default:
		t.sched.Wake(target.Task)
	}
	return kerr.OK
}

func killedStatus(n signal.Num) int { return 0x80 | int(n) }

// KillGroup delivers n to every process in process group pgid -- the
// primitive job control and the shell's Ctrl-C both reduce to (spec.md
// §4.2 "job control").
func (t *Table) KillGroup(pgid int32, n signal.Num) {
	f := t.lock.Acquire()
	targets := make([]*Process, 0, 4)
	for _, p := range t.procs {
		if p.pgid == pgid && !p.zombie {
			targets = append(targets, p)
		}
	}
	t.lock.Release(f)
	for _, p := range targets {
		t.Kill(p, n)
	}
}

// RaiseSIGINT/RaiseSIGTTIN/RaiseSIGTTOU implement chardev.JobControl, the
// hook a controlling terminal calls to request signal delivery to a
// process group without internal/chardev importing internal/proc (spec.md
// §4.2 "Job control").
func (t *Table) RaiseSIGINT(pgid int32)  { t.KillGroup(pgid, signal.SIGINT) }
func (t *Table) RaiseSIGTTIN(pgid int32) { t.KillGroup(pgid, signal.SIGTTIN) }
func (t *Table) RaiseSIGTTOU(pgid int32) { t.KillGroup(pgid, signal.SIGTTOU) }

// Setpgid/Getpgrp/Setsid/Getsid implement the job-control syscalls (spec.md
// §4.2, §6).
func (p *Process) Pgid() int32 { f := p.lock.Acquire(); defer p.lock.Release(f); return p.pgid }
func (p *Process) Sid() int32  { f := p.lock.Acquire(); defer p.lock.Release(f); return p.sid }

func (p *Process) Setpgid(pgid int32) kerr.Errno {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	if pgid <= 0 {
		return kerr.Invalid
	}
	p.pgid = pgid
	return kerr.OK
}

// Setsid makes p the leader of a new session and process group, detaching
// any controlling terminal (spec.md §4.2, §6 "setsid").
func (p *Process) Setsid() (int32, kerr.Errno) {
	f := p.lock.Acquire()
	defer p.lock.Release(f)
	if p.pgid == int32(p.pid) {
		return 0, kerr.Permission
	}
	p.pgid = int32(p.pid)
	p.sid = int32(p.pid)
	p.TTY = nil
	return p.sid, kerr.OK
}

// DeliverPending picks the lowest-numbered pending-and-unblocked signal (if
// any) and reports what the caller (the syscall-return trampoline path)
// must do: apply a default disposition, or rewrite the task's register
// frame with HandlerFrame's trampoline (spec.md §4.2, §9). It must be
// called with no spinlock held by the caller's task, since ActTerminate
// calls through to Table.Exit.
func (t *Table) DeliverPending(p *Process) (n signal.Num, act signal.Action, delivered bool) {
	f := p.lock.Acquire()
	deliverable := p.sigPending &^ p.sigMask
	n = deliverable.Lowest()
	if n == 0 {
		p.lock.Release(f)
		return 0, signal.Action{}, false
	}
	p.sigPending = p.sigPending.Remove(n)
	act = p.sigActions[n]
	p.lock.Release(f)

	if act.Handler == signal.HandlerDefault {
		switch signal.DefaultDisposition(n) {
		case signal.ActIgnore:
			return n, act, false
		case signal.ActStop:
			t.sched.Stop(p.Task)
			return n, act, false
		case signal.ActContinue:
			t.sched.Resume(p.Task)
			return n, act, false
		case signal.ActTerminate, signal.ActDump:
			t.Exit(p, killedStatus(n))
			return n, act, false
		}
	}
	if act.Handler == signal.HandlerIgnore {
		return n, act, false
	}
	return n, act, true
}

// HandlerFrame builds the trampoline frame sigreturn restores from, given
// the task's register state at the moment delivery preempted it (spec.md
// §4.2, §9: "the saved register frame is rewritten ... with a trampoline
// frame that restores state via a sigreturn syscall").
func HandlerFrame(p *Process, n signal.Num, pc, sp uintptr, flags uint32, regs [8]uint32) signal.TrampolineFrame {
	f := p.lock.Acquire()
	oldMask := p.sigMask
	p.sigMask |= p.sigActions[n].Mask.Add(n)
	p.lock.Release(f)
	return signal.TrampolineFrame{
		SavedPC:    pc,
		SavedSP:    sp,
		SavedFlags: flags,
		SavedRegs:  regs,
		Signal:     n,
		OldMask:    oldMask,
	}
}

// SigReturn restores the mask sigreturn's trampoline frame captured,
// completing the handler-return half of signal delivery.
func (p *Process) SigReturn(frame signal.TrampolineFrame) {
	f := p.lock.Acquire()
	p.sigMask = frame.OldMask
	p.lock.Release(f)
}
