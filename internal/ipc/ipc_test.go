package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/nanokern/kernel/internal/kerr"
)

func TestSemaphoreFIFO(t *testing.T) {
	sem := NewSemaphore(0)
	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			sem.Down()
			order <- i
		}()
		time.Sleep(5 * time.Millisecond) // force queueing order
	}
	// Wake one waiter at a time so the observed order is the hand-off order.
	got := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		sem.Up()
		got = append(got, <-order)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO wake order, got %v", got)
		}
	}
}

func TestSemaphoreDownIntr(t *testing.T) {
	sem := NewSemaphore(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan kerr.Errno, 1)
	go func() { done <- sem.DownIntr(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	if e := <-done; e != kerr.Interrupted {
		t.Fatalf("expected Interrupted, got %v", e)
	}
}

func TestSemaphoreDownTimed(t *testing.T) {
	sem := NewSemaphore(0)
	if e := sem.DownTimed(10 * time.Millisecond); e != kerr.TimedOut {
		t.Fatalf("expected TimedOut, got %v", e)
	}
}

func TestCondWaitSignal(t *testing.T) {
	var lock Spinlock
	cond := NewCond(&lock)
	woke := make(chan struct{})
	f := lock.Acquire()
	go func() {
		time.Sleep(5 * time.Millisecond)
		mf := lock.Acquire()
		cond.Signal()
		lock.Release(mf)
	}()
	go func() {
		lock.Release(cond.Wait(f))
		close(woke)
	}()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("cond.Wait never woke")
	}
}

func TestRWLockConcurrentReaders(t *testing.T) {
	lock := NewRWLock()
	lock.RLock()
	lock.RLock()
	lock.RUnlock()
	lock.RUnlock()
	lock.Lock()
	lock.Unlock()
}

func TestSpinlockFlagsRestore(t *testing.T) {
	var s Spinlock
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts enabled initially")
	}
	f := s.Acquire()
	if InterruptsEnabled() {
		t.Fatal("expected interrupts disabled while held")
	}
	s.Release(f)
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts restored after release")
	}
}
