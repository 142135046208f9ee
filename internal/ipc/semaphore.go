package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/nanokern/kernel/internal/kerr"
)

// Semaphore is a counting semaphore. Down blocks while the count is zero;
// Up increments it and never sleeps. Waiters are woken in FIFO order
// (spec.md §4.6, §5 ordering guarantees).
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters list
}

// waiter is a single blocked Down call's wakeup channel.
type waiter struct {
	ch   chan struct{}
	next *waiter
}

// list is a minimal FIFO queue of waiters (kept local to avoid a dependency
// on internal/list's intrusive-element shape, which assumes one owner struct
// per element; semaphore waiters are transient stack-local values).
type list struct {
	head, tail *waiter
}

func (l *list) pushBack(w *waiter) {
	if l.tail == nil {
		l.head, l.tail = w, w
		return
	}
	l.tail.next = w
	l.tail = w
}

func (l *list) popFront() *waiter {
	if l.head == nil {
		return nil
	}
	w := l.head
	l.head = w.next
	if l.head == nil {
		l.tail = nil
	}
	w.next = nil
	return w
}

func (l *list) remove(target *waiter) {
	var prev *waiter
	for w := l.head; w != nil; w = w.next {
		if w == target {
			if prev == nil {
				l.head = w.next
			} else {
				prev.next = w.next
			}
			if l.tail == w {
				l.tail = prev
			}
			return
		}
		prev = w
	}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Up releases one unit of the semaphore. It must never sleep: if a waiter
// is queued it is handed the unit directly and woken, otherwise the count
// is incremented for a future Down to consume.
func (s *Semaphore) Up() {
	s.mu.Lock()
	w := s.waiters.popFront()
	if w == nil {
		s.count++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	close(w.ch)
}

// Down blocks uninterruptibly until a unit is available.
func (s *Semaphore) Down() {
	_ = s.wait(context.Background(), 0)
}

// DownIntr blocks until a unit is available or ctx is cancelled (modeling a
// signal targeting the waiting task), returning kerr.Interrupted in the
// latter case.
func (s *Semaphore) DownIntr(ctx context.Context) kerr.Errno {
	return s.wait(ctx, 0)
}

// DownTimed blocks until a unit is available or the tick budget elapses,
// returning kerr.TimedOut in the latter case.
func (s *Semaphore) DownTimed(budget time.Duration) kerr.Errno {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	e := s.wait(ctx, 0)
	if e == kerr.Interrupted && ctx.Err() == context.DeadlineExceeded {
		return kerr.TimedOut
	}
	return e
}

func (s *Semaphore) wait(ctx context.Context, _ int) kerr.Errno {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return kerr.OK
	}
	w := &waiter{ch: make(chan struct{})}
	s.waiters.pushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return kerr.OK
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ch:
			// Woken right as we were about to cancel: honor the wakeup,
			// the unit was already handed to us.
			s.mu.Unlock()
			return kerr.OK
		default:
			s.waiters.remove(w)
			s.mu.Unlock()
			return kerr.Interrupted
		}
	}
}

// Count returns the current available count, for diagnostics/tests only.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
