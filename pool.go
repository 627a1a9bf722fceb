package cosched

import (
	"fmt"

	"github.com/gammazero/deque"
)

// CoroutinePool recycles coroutines of one stack size. Growth is
// unbounded unless max is positive; exceeding max is a caller error,
// queueing belongs to BoundedPool.
type CoroutinePool struct {
	name      string
	stackSize int
	max       int
	size      int
	nextID    int
	free      deque.Deque[*Coroutine]
	busy      map[*Coroutine]struct{}
}

// NewCoroutinePool creates an empty pool. max of 0 means unbounded.
func NewCoroutinePool(name string, stackSize, max int) (*CoroutinePool, error) {
	if stackSize < MinStackSize {
		return nil, &ConfigError{
			Field:  "stack_size",
			Reason: fmt.Sprintf("pool %q: %d is below the minimum of %d bytes", name, stackSize, MinStackSize),
		}
	}
	if max < 0 {
		return nil, &ConfigError{Field: "max", Reason: fmt.Sprintf("pool %q: must not be negative", name)}
	}
	return &CoroutinePool{
		name:      name,
		stackSize: stackSize,
		max:       max,
		busy:      make(map[*Coroutine]struct{}),
	}, nil
}

// Name returns the pool name used in logs and metrics.
func (p *CoroutinePool) Name() string {
	return p.name
}

// StackSize returns the stack budget of every coroutine in the pool.
func (p *CoroutinePool) StackSize() int {
	return p.stackSize
}

// Size returns the number of live coroutines, idle or busy.
func (p *CoroutinePool) Size() int {
	return p.size
}

// Busy returns the number of acquired coroutines.
func (p *CoroutinePool) Busy() int {
	return len(p.busy)
}

// Idle returns the number of coroutines on the free list.
func (p *CoroutinePool) Idle() int {
	return p.free.Len()
}

// Acquire returns an idle coroutine, allocating one if the pool may
// grow.
func (p *CoroutinePool) Acquire() (*Coroutine, error) {
	if p.free.Len() > 0 {
		c := p.free.PopBack()
		p.busy[c] = struct{}{}
		return c, nil
	}

	if p.max > 0 && p.size >= p.max {
		return nil, fmt.Errorf("%w: pool %q at %d coroutines", ErrPoolExhausted, p.name, p.max)
	}

	p.nextID++
	p.size++
	c := newCoroutine(p.nextID, p.stackSize, p.terminated)
	p.busy[c] = struct{}{}
	return c, nil
}

// Release returns a terminated coroutine to the free list. A coroutine
// that has not terminated is left untouched.
func (p *CoroutinePool) Release(c *Coroutine) error {
	if _, ok := p.busy[c]; !ok {
		return fmt.Errorf("cosched: coroutine %d not acquired from pool %q", c.id, p.name)
	}
	if c.state != CoroutineTerminated {
		return fmt.Errorf("%w: coroutine %d is %v", ErrCoroutineBusy, c.id, c.state)
	}

	delete(p.busy, c)
	if c.dead {
		p.size--
		return nil
	}

	c.Reset()
	p.free.PushBack(c)
	return nil
}

// Kill force terminates every busy coroutine. Tasks bound to them
// finish with ErrKilled.
func (p *CoroutinePool) Kill() {
	for c := range p.busy {
		task := c.task
		c.Kill()
		delete(p.busy, c)
		p.size--
		if task != nil {
			task.abandon(ErrKilled)
		}
	}
}

// Close kills busy coroutines and destroys idle ones.
func (p *CoroutinePool) Close() {
	p.Kill()
	for p.free.Len() > 0 {
		p.free.PopFront().Kill()
		p.size--
	}
}

// Stats returns a snapshot of the pool.
func (p *CoroutinePool) Stats() PoolStats {
	return PoolStats{
		Name:      p.name,
		StackSize: p.stackSize,
		Size:      p.size,
		Busy:      len(p.busy),
	}
}

// run binds t to a fresh coroutine and runs it until it first
// suspends or finishes.
func (p *CoroutinePool) run(t *Task) error {
	c, err := p.Acquire()
	if err != nil {
		return err
	}
	t.state = TaskScheduled
	c.Start(func() { t.execute(c, p.name) })
	return nil
}

func (p *CoroutinePool) terminated(c *Coroutine) {
	if err := p.Release(c); err != nil {
		panic(err)
	}
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Name      string
	StackSize int
	Size      int
	Busy      int
	Pending   int
	Limit     int
}
