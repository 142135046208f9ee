package sched

import "testing"

func TestFIFOAmongEqualPriority(t *testing.T) {
	s := New(1)
	a := NewTask(1, 5)
	b := NewTask(2, 5)
	c := NewTask(3, 5)
	s.Enqueue(a)
	s.Enqueue(b)
	s.Enqueue(c)

	if got := s.Dispatch(0); got != a {
		t.Fatalf("expected a first, got task %d", got.ID())
	}
	s.Enqueue(a) // simulate preemption back to ready
	if got := s.Dispatch(0); got != b {
		t.Fatalf("expected b next, got task %d", got.ID())
	}
}

func TestHigherPriorityPreemptsOrdering(t *testing.T) {
	s := New(1)
	low := NewTask(1, 1)
	high := NewTask(2, 10)
	s.Enqueue(low)
	s.Enqueue(high)

	got := s.Dispatch(0)
	if got != high {
		t.Fatalf("expected high-priority task dispatched first, got %d", got.ID())
	}
}

func TestTickReschedulesOnQuantumExpiry(t *testing.T) {
	s := New(1)
	task := NewTask(1, 5)
	s.Enqueue(task)
	s.Dispatch(0)

	for i := 0; i < DefaultQuantum-1; i++ {
		if s.Tick(0) {
			t.Fatalf("reschedule fired too early at tick %d", i)
		}
	}
	if !s.Tick(0) {
		t.Fatal("expected reschedule once quantum exhausted")
	}
}

func TestTickReschedulesOnHigherPriorityReady(t *testing.T) {
	s := New(1)
	running := NewTask(1, 5)
	s.Enqueue(running)
	s.Dispatch(0)

	s.Enqueue(NewTask(2, 50))
	if !s.Tick(0) {
		t.Fatal("expected immediate reschedule when higher priority task becomes ready")
	}
}

func TestBlockWake(t *testing.T) {
	s := New(1)
	task := NewTask(1, 5)
	s.Enqueue(task)
	s.Dispatch(0)

	s.Block(task)
	if task.State() != Blocked {
		t.Fatalf("expected Blocked, got %v", task.State())
	}
	if s.Running(0) != nil {
		t.Fatal("expected CPU to go idle after blocking the running task")
	}

	s.Wake(task)
	if task.State() != Ready {
		t.Fatalf("expected Ready after wake, got %v", task.State())
	}
}

func TestStopResume(t *testing.T) {
	s := New(1)
	task := NewTask(1, 5)
	s.Enqueue(task)
	s.Dispatch(0)

	s.Stop(task)
	if task.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", task.State())
	}
	s.Resume(task)
	if task.State() != Ready {
		t.Fatalf("expected Ready after resume, got %v", task.State())
	}
}

func TestAffinityOverride(t *testing.T) {
	s := New(4)
	task := NewTask(1, 5)
	task.SetAffinity(2)
	s.Enqueue(task)
	if task.CPU() != 2 {
		t.Fatalf("expected pinned CPU 2, got %d", task.CPU())
	}
}
