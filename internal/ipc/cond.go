package ipc

import (
	"context"
	"time"

	"github.com/nanokern/kernel/internal/kerr"
)

// Cond is a condition variable associated with a Spinlock. Wait atomically
// releases the lock and blocks; the lock is re-acquired before Wait
// returns, matching the classic cond-var contract spec.md §4.6 calls for
// ("wait atomically releases an associated spinlock and blocks").
type Cond struct {
	l       *Spinlock
	mu      Spinlock // protects the waiters queue itself
	waiters list
}

// NewCond returns a Cond associated with lock l.
func NewCond(l *Spinlock) *Cond {
	return &Cond{l: l}
}

// Wait releases the held lock (whose Acquire-returned flags are saved),
// blocks until Signal/Broadcast, then re-acquires the lock and returns the
// new Flags for the caller to eventually Release.
func (c *Cond) Wait(saved Flags) Flags {
	_, f := c.wait(context.Background(), saved)
	return f
}

// WaitIntr is Wait but returns kerr.Interrupted if ctx is cancelled while
// blocked; the lock is still re-acquired before returning either way.
func (c *Cond) WaitIntr(ctx context.Context, saved Flags) (kerr.Errno, Flags) {
	return c.wait(ctx, saved)
}

// WaitTimed is Wait but returns kerr.TimedOut after budget elapses.
func (c *Cond) WaitTimed(budget time.Duration, saved Flags) (kerr.Errno, Flags) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	e, f := c.wait(ctx, saved)
	if e == kerr.Interrupted && ctx.Err() == context.DeadlineExceeded {
		return kerr.TimedOut, f
	}
	return e, f
}

func (c *Cond) wait(ctx context.Context, saved Flags) (kerr.Errno, Flags) {
	w := &waiter{ch: make(chan struct{})}

	mf := c.mu.Acquire()
	c.waiters.pushBack(w)
	c.mu.Release(mf)

	// Atomically (with respect to this cond var's protected state) drop
	// the caller's lock, then block.
	c.l.Release(saved)

	var result kerr.Errno
	select {
	case <-w.ch:
		result = kerr.OK
	case <-ctx.Done():
		mf2 := c.mu.Acquire()
		select {
		case <-w.ch:
			result = kerr.OK
		default:
			c.waiters.remove(w)
			result = kerr.Interrupted
		}
		c.mu.Release(mf2)
	}

	newFlags := c.l.Acquire()
	return result, newFlags
}

// Signal wakes the single longest-waiting blocked task (FIFO among equal
// priority, per spec.md §4.6/§5).
func (c *Cond) Signal() {
	mf := c.mu.Acquire()
	w := c.waiters.popFront()
	c.mu.Release(mf)
	if w != nil {
		close(w.ch)
	}
}

// Broadcast wakes every blocked task.
func (c *Cond) Broadcast() {
	mf := c.mu.Acquire()
	var all []*waiter
	for w := c.waiters.popFront(); w != nil; w = c.waiters.popFront() {
		all = append(all, w)
	}
	c.mu.Release(mf)
	for _, w := range all {
		close(w.ch)
	}
}
