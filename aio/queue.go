package aio

import (
	"fmt"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/gammazero/deque"
	"github.com/webriots/cosched"
)

// JobQueue is the bounded hand-off from the scheduler to the worker
// threads. Submitters append under the mutex and then post one token;
// a worker takes a token before it claims, so a token always has an
// unclaimed job behind it.
type JobQueue struct {
	mu       sync.Mutex
	pending  deque.Deque[*Job]
	capacity int
	tokens   chan struct{}
	free     lfq.Queue[*Job]
}

// NewJobQueue returns a queue holding at most capacity unclaimed jobs
// and retaining up to freeList recycled jobs.
func NewJobQueue(capacity, freeList int) (*JobQueue, error) {
	if capacity < 1 {
		return nil, &cosched.ConfigError{Field: "aio.queue_capacity", Reason: "must be positive"}
	}
	q := &JobQueue{
		capacity: capacity,
		tokens:   make(chan struct{}, capacity),
	}
	if freeList > 0 {
		q.free = lfq.BuildMPMC[*Job](lfq.New(max(freeList, 2)))
	}
	return q, nil
}

// Cap returns the maximum number of unclaimed jobs.
func (q *JobQueue) Cap() int {
	return q.capacity
}

// Len returns the number of unclaimed jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Acquire returns a recycled job if one is available, otherwise a new
// one. Safe from any goroutine.
func (q *JobQueue) Acquire() *Job {
	if q.free != nil {
		if j, err := q.free.Dequeue(); err == nil {
			return j
		}
	}
	return new(Job)
}

// Recycle resets j and offers it to the free list. A full free list
// leaves j to the garbage collector. Safe from any goroutine.
func (q *JobQueue) Recycle(j *Job) {
	j.reset()
	if q.free != nil {
		_ = q.free.Enqueue(&j)
	}
}

// Submit appends j and posts its token, or fails with ErrQueueFull.
func (q *JobQueue) Submit(j *Job) error {
	q.mu.Lock()
	if q.pending.Len() >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d jobs pending", cosched.ErrQueueFull, q.capacity)
	}
	q.pending.PushBack(j)
	q.mu.Unlock()
	q.tokens <- struct{}{}
	return nil
}

// Claim pops the oldest unclaimed job. With nothing to claim it
// returns iox.ErrWouldBlock.
func (q *JobQueue) Claim() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil, iox.ErrWouldBlock
	}
	return q.pending.PopFront(), nil
}

// drain removes every unclaimed job. Only valid once no worker can
// take another token.
func (q *JobQueue) drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*Job, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		jobs = append(jobs, q.pending.PopFront())
	}
	return jobs
}
