package cosched

// Semaphore bounds how many tasks of one scheduler may hold a unit at
// once. Tasks that find none free suspend and are handed a unit in
// FIFO order.
type Semaphore struct {
	sema sema
}

// NewSemaphore returns a semaphore holding n units.
func NewSemaphore(n int) *Semaphore {
	if n < 0 {
		panic("cosched: negative Semaphore size")
	}
	s := &Semaphore{}
	s.sema.v = uint32(n)
	return s
}

// Acquire takes a unit, suspending task until one is available.
func (s *Semaphore) Acquire(task *Task) {
	s.sema.acquire(task)
}

// TryAcquire takes a unit only if one is free.
func (s *Semaphore) TryAcquire() bool {
	if s.sema.v == 0 {
		return false
	}
	s.sema.v--
	return true
}

// Release returns a unit, waking the oldest waiter if there is one.
func (s *Semaphore) Release() {
	s.sema.release()
}

// Available returns the number of free units.
func (s *Semaphore) Available() int {
	return int(s.sema.v)
}
