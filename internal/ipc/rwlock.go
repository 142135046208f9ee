package ipc

// RWLock is a reader/writer lock built atop two semaphores and a reader
// counter, per spec.md §4.6: "built atop two semaphores and a reader
// counter; writers are not starvation-free by construction." This
// implementation preserves that documented deviation rather than
// introducing a fair variant (see spec.md §9 open question and DESIGN.md).
type RWLock struct {
	writeSem   *Semaphore // held by the first reader, released by the last
	countGuard *Semaphore // protects readCount
	readCount  int
}

func NewRWLock() *RWLock {
	return &RWLock{
		writeSem:   NewSemaphore(1),
		countGuard: NewSemaphore(1),
	}
}

// RLock acquires the lock for reading. Multiple readers may hold it
// concurrently; a writer is excluded as long as readCount > 0, and a steady
// stream of readers can starve a waiting writer indefinitely (documented,
// not fixed: see spec.md §9).
func (l *RWLock) RLock() {
	l.countGuard.Down()
	l.readCount++
	if l.readCount == 1 {
		l.writeSem.Down()
	}
	l.countGuard.Up()
}

func (l *RWLock) RUnlock() {
	l.countGuard.Down()
	l.readCount--
	if l.readCount == 0 {
		l.writeSem.Up()
	}
	l.countGuard.Up()
}

// Lock acquires the lock exclusively for writing.
func (l *RWLock) Lock() {
	l.writeSem.Down()
}

func (l *RWLock) Unlock() {
	l.writeSem.Up()
}
