package cosched

import "github.com/gammazero/deque"

// noCopy lets go vet flag values that must not be copied after first
// use.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// sema is a counting semaphore for tasks. Waiters are woken for the
// next cycle in FIFO order; a wake hands the unit straight to the
// waiter.
type sema struct {
	noCopy noCopy
	v      uint32
	w      deque.Deque[*waiter]
}

// waiter is a task parked in acquire. granted is set only by handoff,
// so a wake from anywhere else sends the task back to sleep.
type waiter struct {
	task    *Task
	granted bool
}

// acquire takes a unit, suspending t until one is handed over.
func (s *sema) acquire(t *Task) {
	if s.v > 0 {
		s.v--
		return
	}
	w := &waiter{task: t}
	s.w.PushBack(w)
	for !w.granted {
		t.Suspend()
	}
}

// release hands a unit to the oldest waiter, or banks it.
func (s *sema) release() {
	if !s.handoff() {
		s.v++
	}
}

// handoff wakes the oldest waiter and reports whether there was one.
func (s *sema) handoff() bool {
	if s.w.Len() == 0 {
		return false
	}
	w := s.w.PopFront()
	w.granted = true
	w.task.Wake()
	return true
}

// next returns the task handoff would wake, or nil.
func (s *sema) next() *Task {
	if s.w.Len() == 0 {
		return nil
	}
	return s.w.Front().task
}

func (s *sema) waiters() int {
	return s.w.Len()
}
