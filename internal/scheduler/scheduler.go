// Package scheduler tracks every suspended connection (spec §4.8): a
// GET /truth/$UUID long-poll waiting on a merchant callback or a
// plugin-initiated external event. The original service modeled this
// as a single-threaded cooperative loop with a deadline min-heap and
// shutdown DLLs; Go already gives each HTTP request its own goroutine,
// so this package keeps only what that model adds on top of that:
// a single min-heap of deadlines (so the nearest timeout can be found
// in O(log n)) and a registry so a graceful shutdown can resume every
// still-suspended connection instead of dropping it.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Waiter is a suspended connection. The scheduler calls Resume at most
// once, when the deadline elapses or the scheduler is shutting down.
type Waiter struct {
	ID       uint64
	Deadline time.Time
	Resume   func(timedOut bool)

	index int // heap bookkeeping
}

type waiterHeap []*Waiter

func (h waiterHeap) Len() int            { return len(h) }
func (h waiterHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h waiterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *waiterHeap) Push(x interface{}) { w := x.(*Waiter); w.index = len(*h); *h = append(*h, w) }
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Scheduler is the process-wide suspended-connection registry (spec
// §5: "the only mutable globals are ... the timeout heap").
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	waiting waiterHeap
	byID    map[uint64]*Waiter
	timer   *time.Timer
	stopped bool
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{byID: make(map[uint64]*Waiter)}
}

// Suspend registers a connection waiting until deadline. resume is
// called at most once, always with timedOut=true: when the deadline
// passes, or on Shutdown (immediately if Shutdown already ran).
// The returned cancel function removes the waiter without invoking
// resume; call it once the caller has resumed the connection itself
// (e.g. because the awaited event fired first).
func (s *Scheduler) Suspend(deadline time.Time, resume func(timedOut bool)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.mu.Unlock()
		resume(true)
		s.mu.Lock()
		return func() {}
	}

	s.nextID++
	id := s.nextID
	w := &Waiter{ID: id, Deadline: deadline, Resume: resume}
	heap.Push(&s.waiting, w)
	s.byID[id] = w
	s.rearmLocked()

	return func() { s.remove(id) }
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if w.index >= 0 {
		heap.Remove(&s.waiting, w.index)
	}
	s.rearmLocked()
}

// rearmLocked arms the single timer at the earliest deadline still
// pending (spec §5: "a single heap with a single armed one-shot
// scheduler wake-up; insertion updates the wake-up only if the new
// deadline is earlier"). Caller must hold s.mu.
func (s *Scheduler) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.waiting) == 0 {
		return
	}
	next := s.waiting[0]
	delay := time.Until(next.Deadline)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.fireExpired)
}

func (s *Scheduler) fireExpired() {
	s.mu.Lock()
	now := time.Now()
	var expired []*Waiter
	for len(s.waiting) > 0 && !s.waiting[0].Deadline.After(now) {
		w := heap.Pop(&s.waiting).(*Waiter)
		delete(s.byID, w.ID)
		expired = append(expired, w)
	}
	s.rearmLocked()
	s.mu.Unlock()

	for _, w := range expired {
		w.Resume(true)
	}
}

// Shutdown resumes every still-suspended connection with timedOut=true
// (spec §4.8: "on process shutdown ... all suspended connections are
// resumed"), then stops accepting new suspensions.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	remaining := make([]*Waiter, len(s.waiting))
	copy(remaining, s.waiting)
	s.waiting = nil
	s.byID = make(map[uint64]*Waiter)
	s.mu.Unlock()

	for _, w := range remaining {
		w.Resume(true)
	}
}

// Len reports how many connections are currently suspended.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
