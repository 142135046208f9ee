// Package list implements an intrusive doubly linked list, the container
// primitive of the containers-&-primitives layer of the kernel core. Its
// user is the block cache's LRU chain.
package list

// Elem is embedded by any struct that wants to live on an intrusive list.
// Unlike container/list, the list does not allocate a wrapper node per
// entry: the link pointers live inside the owning struct itself.
type Elem struct {
	next, prev *Elem
	list       *List

	// Value lets a caller recover the owning struct without embedding Elem
	// into it (Go has no container_of): allocate Elem separately and store
	// back a pointer to the owner here, the way container/list.Element
	// does.
	Value interface{}
}

// List is a circular doubly linked list with a sentinel root element.
type List struct {
	root Elem
	len  int
}

// Init (re)initializes the list to empty. A zero-value List is not usable
// until Init is called, since the sentinel must point at itself.
func (l *List) Init() *List {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

func New() *List { return new(List).Init() }

func (l *List) Len() int { return l.len }

func (l *List) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

// PushBack inserts e at the tail of the list.
func (l *List) PushBack(e *Elem) {
	l.lazyInit()
	l.insert(e, l.root.prev)
}

// PushFront inserts e at the head of the list.
func (l *List) PushFront(e *Elem) {
	l.lazyInit()
	l.insert(e, &l.root)
}

func (l *List) insert(e, at *Elem) {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
}

// Remove detaches e from whatever list it is on. It is a no-op if e is not
// on a list.
func (e *Elem) Remove() {
	if e.list == nil {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list.len--
	e.list = nil
}

// Front returns the first element, or nil if the list is empty.
func (l *List) Front() *Elem {
	l.lazyInit()
	if l.root.next == &l.root {
		return nil
	}
	return l.root.next
}

// Back returns the last element, or nil if the list is empty.
func (l *List) Back() *Elem {
	l.lazyInit()
	if l.root.prev == &l.root {
		return nil
	}
	return l.root.prev
}

// Next returns the element following e, or nil at the end of the list.
func (e *Elem) Next() *Elem {
	if e.list == nil {
		return nil
	}
	if n := e.next; n != &e.list.root {
		return n
	}
	return nil
}

// Prev returns the element preceding e, or nil at the start of the list.
func (e *Elem) Prev() *Elem {
	if e.list == nil {
		return nil
	}
	if p := e.prev; p != &e.list.root {
		return p
	}
	return nil
}

// MoveToBack relocates e (already on l) to the tail, used by the block
// cache's LRU chain on every touch.
func (l *List) MoveToBack(e *Elem) {
	if e.list != l {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	l.len--
	l.insert(e, l.root.prev)
}
