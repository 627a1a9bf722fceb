package cosched

import (
	"fmt"
	"log/slog"

	"github.com/gammazero/deque"
)

// OverflowAction tells a BoundedPool what to do with a task that met
// a full queue.
type OverflowAction uint8

const (
	// OverflowReject fails the task with ErrQueueFull.
	OverflowReject OverflowAction = iota
	// OverflowDrop finishes the task with ErrQueueFull; the caller
	// sees success.
	OverflowDrop
	// OverflowRetry enqueues the task once more, typically after the
	// callback evicted another.
	OverflowRetry
	// OverflowForceRun starts the task at the beginning of the next
	// cycle on a coroutine outside the limit.
	OverflowForceRun
)

// OverflowFunc decides the fate of a task that met a full queue. It
// may inspect and mutate q directly but must not run tasks itself;
// running is requested through OverflowForceRun.
type OverflowFunc func(t *Task, q *TaskQueue) OverflowAction

// RejectOverflow is the default policy.
func RejectOverflow(*Task, *TaskQueue) OverflowAction {
	return OverflowReject
}

// DropNewest discards the incoming task.
func DropNewest(*Task, *TaskQueue) OverflowAction {
	return OverflowDrop
}

// DropOldest evicts the head of the queue to make room.
func DropOldest(_ *Task, q *TaskQueue) OverflowAction {
	q.Evict()
	return OverflowRetry
}

// ForceRun runs the task past the limit on the next cycle.
func ForceRun(*Task, *TaskQueue) OverflowAction {
	return OverflowForceRun
}

// TaskQueue is a bounded FIFO of pending tasks.
type TaskQueue struct {
	tasks    deque.Deque[*Task]
	capacity int
	evicted  []*Task
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	return q.tasks.Len()
}

// Cap returns the fixed capacity.
func (q *TaskQueue) Cap() int {
	return q.capacity
}

// Full reports whether PushBack would fail.
func (q *TaskQueue) Full() bool {
	return q.tasks.Len() >= q.capacity
}

// PushBack appends t unless the queue is full.
func (q *TaskQueue) PushBack(t *Task) bool {
	if q.Full() {
		return false
	}
	q.tasks.PushBack(t)
	return true
}

// Evict removes the oldest pending task. The pool finishes it with
// ErrQueueFull once the overflow callback returns.
func (q *TaskQueue) Evict() (*Task, bool) {
	t, ok := q.popFront()
	if ok {
		q.evicted = append(q.evicted, t)
	}
	return t, ok
}

func (q *TaskQueue) popFront() (*Task, bool) {
	if q.tasks.Len() == 0 {
		return nil, false
	}
	return q.tasks.PopFront(), true
}

// takeEvicted returns and forgets the tasks evicted so far.
func (q *TaskQueue) takeEvicted() []*Task {
	evicted := q.evicted
	q.evicted = nil
	return evicted
}

// Front returns the oldest pending task without removing it.
func (q *TaskQueue) Front() (*Task, bool) {
	if q.tasks.Len() == 0 {
		return nil, false
	}
	return q.tasks.Front(), true
}

// BoundedPool is the default scheduling path: a coroutine pool capped
// at limit running coroutines plus a bounded FIFO of pending tasks.
// A coroutine whose task finishes keeps draining the FIFO before it is
// released.
type BoundedPool struct {
	pool     *CoroutinePool
	limit    int
	pending  TaskQueue
	forced   deque.Deque[*Task]
	overflow OverflowFunc
	metrics  Metrics
	logger   *slog.Logger
}

// NewBoundedPool creates a pool named name. limit of 0 means
// unbounded; overflow of nil means RejectOverflow.
func NewBoundedPool(name string, stackSize, limit, capacity int, overflow OverflowFunc) (*BoundedPool, error) {
	if limit < 0 {
		return nil, &ConfigError{Field: "worker_limit", Reason: "must not be negative"}
	}
	if capacity < 0 {
		return nil, &ConfigError{Field: "queue_limit", Reason: "must not be negative"}
	}
	pool, err := NewCoroutinePool(name, stackSize, 0)
	if err != nil {
		return nil, err
	}
	if overflow == nil {
		overflow = RejectOverflow
	}
	return &BoundedPool{
		pool:     pool,
		limit:    limit,
		pending:  TaskQueue{capacity: capacity},
		overflow: overflow,
		metrics:  nopMetrics{},
		logger:   slog.Default(),
	}, nil
}

// Pool returns the underlying coroutine pool.
func (b *BoundedPool) Pool() *CoroutinePool {
	return b.pool
}

// Running returns the number of busy coroutines.
func (b *BoundedPool) Running() int {
	return b.pool.Busy()
}

// Pending returns the number of queued tasks.
func (b *BoundedPool) Pending() int {
	return b.pending.Len() + b.forced.Len()
}

// RunOrQueue runs t immediately if a coroutine is available, otherwise
// appends it to the pending queue.
func (b *BoundedPool) RunOrQueue(t *Task) error {
	if b.pending.Len() == 0 && b.hasCapacity() {
		return b.start(t, true)
	}
	return b.enqueue(t)
}

// Queue always enqueues t, even when a coroutine is free. Queued tasks
// start from Drain.
func (b *BoundedPool) Queue(t *Task) error {
	return b.enqueue(t)
}

// Drain starts force-run tasks and as many pending tasks as the limit
// allows. It returns the number of tasks started.
func (b *BoundedPool) Drain() int {
	started := 0
	for b.forced.Len() > 0 {
		if err := b.start(b.forced.PopFront(), false); err != nil {
			b.logger.Error("cosched: force run failed", "pool", b.pool.name, "err", err)
			continue
		}
		started++
	}
	for b.pending.Len() > 0 && b.hasCapacity() {
		t, _ := b.pending.popFront()
		if err := b.start(t, true); err != nil {
			b.logger.Error("cosched: start pending task failed", "pool", b.pool.name, "task", t.Name(), "err", err)
			continue
		}
		started++
	}
	if started > 0 {
		b.metrics.RecordQueueDepth(b.pool.name, b.pending.Len())
	}
	return started
}

// Kill force terminates busy coroutines and abandons pending tasks
// with err.
func (b *BoundedPool) Kill(err error) {
	b.pool.Kill()
	for b.forced.Len() > 0 {
		b.forced.PopFront().abandon(err)
	}
	for t, ok := b.pending.popFront(); ok; t, ok = b.pending.popFront() {
		t.abandon(err)
	}
}

// Stats returns a snapshot of the pool.
func (b *BoundedPool) Stats() PoolStats {
	s := b.pool.Stats()
	s.Pending = b.Pending()
	s.Limit = b.limit
	return s
}

func (b *BoundedPool) hasCapacity() bool {
	return b.limit == 0 || b.pool.Busy() < b.limit
}

// start binds t to a coroutine and runs it until it first suspends.
// When drain is set the coroutine keeps serving the pending queue
// after t finishes.
func (b *BoundedPool) start(t *Task, drain bool) error {
	c, err := b.pool.Acquire()
	if err != nil {
		return err
	}
	t.state = TaskScheduled
	c.Start(func() {
		for t != nil {
			t.execute(c, b.pool.name)
			if !drain {
				return
			}
			t = b.next()
		}
	})
	return nil
}

func (b *BoundedPool) next() *Task {
	t, ok := b.pending.popFront()
	if !ok {
		return nil
	}
	b.metrics.RecordQueueDepth(b.pool.name, b.pending.Len())
	return t
}

func (b *BoundedPool) enqueue(t *Task) error {
	if b.pending.PushBack(t) {
		t.state = TaskScheduled
		b.metrics.RecordQueueDepth(b.pool.name, b.pending.Len())
		return nil
	}

	action := b.overflow(t, &b.pending)
	for _, old := range b.pending.takeEvicted() {
		b.logger.Warn("cosched: queue full, task evicted", "pool", b.pool.name, "task", old.Name())
		b.metrics.RecordTaskRejected(b.pool.name, "evicted")
		old.abandon(ErrQueueFull)
	}

	switch action {
	case OverflowDrop:
		b.logger.Warn("cosched: queue full, task dropped", "pool", b.pool.name, "task", t.Name())
		b.metrics.RecordTaskRejected(b.pool.name, "dropped")
		t.abandon(ErrQueueFull)
		return nil
	case OverflowRetry:
		if b.pending.PushBack(t) {
			t.state = TaskScheduled
			b.metrics.RecordQueueDepth(b.pool.name, b.pending.Len())
			return nil
		}
	case OverflowForceRun:
		b.logger.Warn("cosched: queue full, task forced past limit", "pool", b.pool.name, "task", t.Name())
		t.state = TaskScheduled
		b.forced.PushBack(t)
		return nil
	}

	b.metrics.RecordTaskRejected(b.pool.name, "queue_full")
	return fmt.Errorf("%w: pool %q task %s", ErrQueueFull, b.pool.name, t.Name())
}

// ready reports whether Drain would start something.
func (b *BoundedPool) ready() bool {
	return b.forced.Len() > 0 || (b.pending.Len() > 0 && b.hasCapacity())
}
