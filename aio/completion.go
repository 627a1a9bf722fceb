package aio

import (
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/webriots/cosched/poll"
)

// CompletionScheduler carries finished jobs from worker threads back
// to the scheduler goroutine. Workers append to the ready queue; the
// scheduler swaps ready and waking under the lock and walks waking
// without it.
type CompletionScheduler struct {
	mu     sync.Mutex
	queues [2]deque.Deque[*Job]
	ready  *deque.Deque[*Job]
	waking *deque.Deque[*Job]

	signal  *poll.Notifier
	deliver func(*Job)
	recycle func(*Job)

	swaps     uint64
	delivered uint64
	dropped   atomic.Uint64
}

// NewCompletionScheduler signals on signal when the ready queue goes
// from empty to non-empty. deliver runs on the scheduler goroutine for
// every finished job that was not discarded; recycle takes back the
// ones that were.
func NewCompletionScheduler(signal *poll.Notifier, deliver, recycle func(*Job)) *CompletionScheduler {
	c := &CompletionScheduler{
		signal:  signal,
		deliver: deliver,
		recycle: recycle,
	}
	c.ready, c.waking = &c.queues[0], &c.queues[1]
	return c
}

// RequestReady queues a finished job for delivery. Worker threads
// only. A job whose results were discarded is recycled on the spot.
func (c *CompletionScheduler) RequestReady(j *Job) error {
	c.mu.Lock()
	if j.discarded {
		c.mu.Unlock()
		c.dropped.Add(1)
		c.recycle(j)
		return nil
	}
	first := c.ready.Len() == 0
	c.ready.PushBack(j)
	j.queued = true
	c.mu.Unlock()
	if first {
		return c.signal.Signal()
	}
	return nil
}

// DiscardResults makes sure j is recycled exactly once and never
// delivered. Scheduler goroutine only.
func (c *CompletionScheduler) DiscardResults(j *Job) {
	c.mu.Lock()
	if !j.queued {
		j.discarded = true
		c.mu.Unlock()
		return
	}
	if i := c.ready.Index(func(q *Job) bool { return q == j }); i >= 0 {
		c.ready.Remove(i)
	}
	j.queued = false
	c.mu.Unlock()
	c.dropped.Add(1)
	c.recycle(j)
}

// Process delivers every job that was ready when it was called and
// returns how many it delivered. Scheduler goroutine only.
func (c *CompletionScheduler) Process() (int, error) {
	if _, err := c.signal.Drain(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.waking.Len() != 0 {
		c.mu.Unlock()
		panic("aio: waking queue not empty at swap")
	}
	c.ready, c.waking = c.waking, c.ready
	c.swaps++
	c.mu.Unlock()

	n := 0
	for c.waking.Len() > 0 {
		j := c.waking.PopFront()
		j.queued = false
		c.deliver(j)
		n++
	}
	c.waking.Clear()
	c.delivered += uint64(n)
	return n, nil
}

// CompletionStats is a snapshot of the completion side.
type CompletionStats struct {
	Swaps     uint64
	Delivered uint64
	Discarded uint64
}

// Stats returns the counters. Scheduler goroutine only.
func (c *CompletionScheduler) Stats() CompletionStats {
	return CompletionStats{
		Swaps:     c.swaps,
		Delivered: c.delivered,
		Discarded: c.dropped.Load(),
	}
}
