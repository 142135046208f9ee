// Package ipc implements the kernel's synchronization primitives: spinlocks
// with interrupt-flag save/restore, counting semaphores, condition
// variables with interruptible and timed waits, and read/write locks
// (spec.md §4.6).
package ipc

import "sync"

// Flags is the saved interrupt-enable state returned by Spinlock.Acquire,
// mirroring the x86 pushfl/cli ... popfl discipline: acquiring a spinlock
// disables (simulated) local interrupts and the caller must hand the saved
// Flags back to Release.
type Flags bool

// interruptsEnabled models the local CPU's IF flag for the purposes of this
// kernel simulation: true when the current execution context may be
// preempted by the scheduler tick, false while a spinlock is held. There is
// no real local-APIC here, so this is a best-effort stand-in that lets the
// scheduler refuse to preempt while a spinlock is held, per spec.md's "A
// task suspension point is defined as any call into down*, wait*... Holders
// of a spinlock must not reach a suspension point."
var interruptsEnabled = true

// InterruptsEnabled reports the simulated IF flag; the scheduler's
// preemption tick consults it before raising a reschedule.
func InterruptsEnabled() bool { return interruptsEnabled }

// Spinlock is a short-hold mutual-exclusion lock. It must never be held
// across a call that can block (down*, wait*, or blocking I/O).
type Spinlock struct {
	mu sync.Mutex
}

// Acquire disables interrupts, saves the prior flag, and takes the lock.
func (s *Spinlock) Acquire() Flags {
	prev := Flags(interruptsEnabled)
	interruptsEnabled = false
	s.mu.Lock()
	return prev
}

// Release restores the interrupt flag saved by Acquire and drops the lock.
func (s *Spinlock) Release(saved Flags) {
	s.mu.Unlock()
	interruptsEnabled = bool(saved)
}

// TryAcquire attempts a non-blocking acquire; ok is false if already held.
func (s *Spinlock) TryAcquire() (Flags, bool) {
	prev := Flags(interruptsEnabled)
	if !s.mu.TryLock() {
		return prev, false
	}
	interruptsEnabled = false
	return prev, true
}
