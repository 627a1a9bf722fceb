package cosched

// WaitGroup waits for a collection of tasks to finish. Waiting tasks
// suspend and are woken for the next cycle once the counter reaches
// zero.
type WaitGroup struct {
	noCopy noCopy
	v      int32
	sema   sema
}

// Add adds delta to the counter, waking every waiter when it reaches
// zero. A negative counter panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += int32(delta)

	if wg.v < 0 {
		panic("cosched: negative WaitGroup counter")
	}
	if wg.v > 0 {
		return
	}

	for wg.sema.handoff() {
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait suspends task until the counter is zero.
func (wg *WaitGroup) Wait(task *Task) {
	if wg.v == 0 {
		return
	}
	wg.sema.acquire(task)
}
