// Package sched implements the preemptive priority scheduler: per-CPU run
// queues, the preemption tick, and task state transitions (spec.md §4.3,
// §5). It knows nothing about processes, file descriptors, or signals --
// internal/proc holds a *sched.Task in each Process and drives this
// package's Enqueue/Wake/Stop/Resume/Exit calls at the right moments.
package sched

import (
	"sync"

	"github.com/nanokern/kernel/internal/ipc"
)

// State is a task's scheduling state (spec.md §3, §4.3).
type State int

const (
	Ready State = iota
	Running
	Blocked
	Stopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// DefaultQuantum is the number of ticks a task runs before the scheduler
// considers it for preemption in favor of an equal-or-lower-priority peer.
const DefaultQuantum = 10

// Task is the schedulable unit of execution (spec.md §3 "Task"). Priority
// is numerically higher == more urgent. rqNext/rqPrev are intrusive
// run-queue links, owned exclusively by the Scheduler that currently holds
// this task.
type Task struct {
	id       int64
	priority int
	state    State
	affinity int // -1 = no affinity override
	cpu      int // which run queue currently (or last) owns this task
	quantum  int

	rqNext, rqPrev *Task
}

func NewTask(id int64, priority int) *Task {
	return &Task{id: id, priority: priority, state: Ready, affinity: -1, quantum: DefaultQuantum}
}

func (t *Task) ID() int64     { return t.id }
func (t *Task) State() State  { return t.state }
func (t *Task) Priority() int { return t.priority }
func (t *Task) CPU() int      { return t.cpu }

// SetPriority changes priority; it takes effect the next time the task is
// (re)enqueued.
func (t *Task) SetPriority(p int) { t.priority = p }

// SetAffinity pins the task to a specific CPU for future dispatch; -1 means
// "no override", letting IPI-driven balance place it anywhere (spec.md
// §4.3: "A task may explicitly target a CPU via an override").
func (t *Task) SetAffinity(cpu int) { t.affinity = cpu }

// runQueue is one CPU's ready list: a priority-ordered doubly linked chain
// of *Task, FIFO among equal priorities (spec.md §4.3, §5).
type runQueue struct {
	lock       ipc.Spinlock
	head, tail *Task
	len        int
}

// insert places t in priority order: before the first task of strictly
// lower priority, or at the tail if none is lower -- which preserves FIFO
// order among equal-priority tasks since later equal-priority arrivals
// land after earlier ones.
func (rq *runQueue) insert(t *Task) {
	t.rqNext, t.rqPrev = nil, nil
	if rq.head == nil {
		rq.head, rq.tail = t, t
		rq.len++
		return
	}
	for cur := rq.head; cur != nil; cur = cur.rqNext {
		if cur.priority < t.priority {
			t.rqNext = cur
			t.rqPrev = cur.rqPrev
			if cur.rqPrev != nil {
				cur.rqPrev.rqNext = t
			} else {
				rq.head = t
			}
			cur.rqPrev = t
			rq.len++
			return
		}
	}
	t.rqPrev = rq.tail
	rq.tail.rqNext = t
	rq.tail = t
	rq.len++
}

func (rq *runQueue) popFront() *Task {
	t := rq.head
	if t == nil {
		return nil
	}
	rq.head = t.rqNext
	if rq.head != nil {
		rq.head.rqPrev = nil
	} else {
		rq.tail = nil
	}
	t.rqNext, t.rqPrev = nil, nil
	rq.len--
	return t
}

func newRunQueue() *runQueue { return &runQueue{} }

// Scheduler owns nCPU per-CPU run queues and the active (Running) task per
// CPU.
type Scheduler struct {
	mu      sync.Mutex
	queues  []*runQueue
	running []*Task // running[cpu] or nil
	nCPU    int
}

// New creates a scheduler with nCPU symmetric run queues (spec.md non-goal:
// "SMP beyond symmetric dispatch of a preemptive scheduler" -- queues are
// independent, dispatch is not gang-scheduled or NUMA-aware).
func New(nCPU int) *Scheduler {
	s := &Scheduler{nCPU: nCPU, queues: make([]*runQueue, nCPU), running: make([]*Task, nCPU)}
	for i := range s.queues {
		s.queues[i] = newRunQueue()
	}
	return s
}

func (s *Scheduler) NumCPU() int { return s.nCPU }

func (s *Scheduler) pickCPU(t *Task) int {
	if t.affinity >= 0 && t.affinity < s.nCPU {
		return t.affinity
	}
	best := 0
	bestLen := s.queues[0].len
	for i := 1; i < s.nCPU; i++ {
		if l := s.queues[i].len; l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// Enqueue places t on a ready queue in priority order.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	cpu := s.pickCPU(t)
	s.mu.Unlock()

	t.cpu = cpu
	t.state = Ready

	rq := s.queues[cpu]
	flags := rq.lock.Acquire()
	rq.insert(t)
	rq.lock.Release(flags)
}

// Dispatch picks the highest-priority ready task for cpu and marks it
// Running. It returns nil if the queue is empty (idle CPU).
func (s *Scheduler) Dispatch(cpu int) *Task {
	rq := s.queues[cpu]
	flags := rq.lock.Acquire()
	t := rq.popFront()
	rq.lock.Release(flags)

	if t == nil {
		s.running[cpu] = nil
		return nil
	}
	t.state = Running
	t.quantum = DefaultQuantum
	s.running[cpu] = t
	return t
}

// Tick is the timer interrupt: it decrements the running task's quantum
// and reports whether a reschedule is warranted -- quantum exhausted, or a
// strictly higher-priority task is ready (spec.md §4.3).
func (s *Scheduler) Tick(cpu int) bool {
	t := s.running[cpu]
	if t == nil {
		return false
	}
	t.quantum--
	if t.quantum <= 0 {
		return true
	}
	rq := s.queues[cpu]
	flags := rq.lock.Acquire()
	defer rq.lock.Release(flags)
	if rq.head != nil && rq.head.priority > t.priority {
		return true
	}
	return false
}

// Preempt moves the currently running task on cpu back to Ready and
// re-enqueues it (spec.md: "Running -> Ready on preemption or yield").
func (s *Scheduler) Preempt(cpu int) {
	t := s.running[cpu]
	if t == nil {
		return
	}
	s.running[cpu] = nil
	s.Enqueue(t)
}

// Yield is the explicit, cooperative form of Preempt.
func (s *Scheduler) Yield(cpu int) { s.Preempt(cpu) }

// Block transitions t out of Running into Blocked.
func (s *Scheduler) Block(t *Task) {
	if s.running[t.cpu] == t {
		s.running[t.cpu] = nil
	}
	t.state = Blocked
}

// Wake transitions a Blocked task back to Ready and enqueues it.
func (s *Scheduler) Wake(t *Task) {
	if t.state != Blocked {
		return
	}
	s.Enqueue(t)
}

// Stop transitions Running -> Stopped (SIGSTOP, spec.md §4.3).
func (s *Scheduler) Stop(t *Task) {
	if s.running[t.cpu] == t {
		s.running[t.cpu] = nil
	}
	t.state = Stopped
}

// Resume transitions Stopped -> Ready (SIGCONT).
func (s *Scheduler) Resume(t *Task) {
	if t.state != Stopped {
		return
	}
	s.Enqueue(t)
}

// Exit transitions any state -> Zombie.
func (s *Scheduler) Exit(t *Task) {
	if s.running[t.cpu] == t {
		s.running[t.cpu] = nil
	}
	t.state = Zombie
}

// Running returns the task currently running on cpu, or nil if idle.
func (s *Scheduler) Running(cpu int) *Task { return s.running[cpu] }

// ReadyLen reports the ready-queue depth for cpu (used by metrics).
func (s *Scheduler) ReadyLen(cpu int) int {
	rq := s.queues[cpu]
	flags := rq.lock.Acquire()
	defer rq.lock.Release(flags)
	return rq.len
}
