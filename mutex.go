package cosched

// Mutex provides mutual exclusion between tasks of one scheduler.
// Tasks that find it locked suspend and are handed the lock in FIFO
// order.
type Mutex struct {
	noCopy noCopy
	owner  *Task
	sema   sema
}

// Lock acquires the mutex for task, suspending it while another task
// holds it.
func (m *Mutex) Lock(task *Task) {
	if m.owner == nil {
		m.owner = task
		return
	}
	if m.owner == task {
		panic("cosched: recursive Mutex.Lock")
	}
	m.sema.acquire(task)
	m.owner = task
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock(task *Task) bool {
	if m.owner != nil {
		return false
	}
	m.owner = task
	return true
}

// Unlock releases the mutex. When tasks are waiting, ownership passes
// to the oldest of them and it resumes on the next cycle.
func (m *Mutex) Unlock() {
	if m.owner == nil {
		panic("cosched: unlock of unlocked Mutex")
	}
	if next := m.sema.next(); next != nil {
		// keep the lock held until the waiter runs
		m.owner = next
		m.sema.handoff()
		return
	}
	m.owner = nil
}

// WaitCount returns the number of tasks waiting for the mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.waiters()
}
