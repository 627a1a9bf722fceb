package cosched

import (
	"fmt"

	"github.com/webriots/coro"
)

// CoroutineState is the lifecycle state of a Coroutine.
type CoroutineState uint8

const (
	CoroutineIdle CoroutineState = iota
	CoroutineRunning
	CoroutineSuspended
	CoroutineTerminated
)

func (s CoroutineState) String() string {
	switch s {
	case CoroutineIdle:
		return "idle"
	case CoroutineRunning:
		return "running"
	case CoroutineSuspended:
		return "suspended"
	case CoroutineTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("CoroutineState(%d)", uint8(s))
	}
}

// Coroutine is a reusable execution context with its own stack. Its
// body is a loop: run the bound entry, report Terminated, park until
// the next Start. A coroutine is owned by one pool and is only ever
// driven from the scheduler goroutine.
type Coroutine struct {
	id        int
	stackSize int
	state     CoroutineState
	entry     func()
	task      *Task
	resume    func(struct{}) (CoroutineState, bool)
	cancel    func()
	yield     func(CoroutineState) struct{}
	onTerm    func(*Coroutine)
	killing   bool
	dead      bool
}

func newCoroutine(id, stackSize int, onTerm func(*Coroutine)) *Coroutine {
	c := &Coroutine{id: id, stackSize: stackSize, onTerm: onTerm}

	c.resume, c.cancel = coro.New(
		func(yield func(CoroutineState) struct{}, _ func() struct{}) CoroutineState {
			c.yield = yield
			for {
				entry := c.entry
				c.entry = nil
				if entry == nil {
					return CoroutineTerminated
				}
				entry()
				yield(CoroutineTerminated)
			}
		},
	)

	return c
}

// ID returns the pool-local identifier of c.
func (c *Coroutine) ID() int {
	return c.id
}

// StackSize returns the stack budget c was allocated with.
func (c *Coroutine) StackSize() int {
	return c.stackSize
}

// State returns the current lifecycle state.
func (c *Coroutine) State() CoroutineState {
	return c.state
}

// Task returns the task bound to c, if any.
func (c *Coroutine) Task() *Task {
	return c.task
}

// Start runs entry on c until it first suspends or returns. c must be
// Idle.
func (c *Coroutine) Start(entry func()) {
	if c.state != CoroutineIdle || c.dead {
		panic(fmt.Sprintf("cosched: start coroutine %d in state %v", c.id, c.state))
	}
	c.entry = entry
	c.step()
}

// Resume continues a suspended coroutine until its next suspension or
// termination.
func (c *Coroutine) Resume() {
	if c.state != CoroutineSuspended {
		panic(fmt.Sprintf("cosched: resume coroutine %d in state %v", c.id, c.state))
	}
	c.step()
}

// Suspend yields control back to whoever started or resumed c. It
// must be called from code running on c.
func (c *Coroutine) Suspend() {
	if c.state != CoroutineRunning {
		panic(fmt.Sprintf("cosched: suspend coroutine %d in state %v", c.id, c.state))
	}
	c.yield(CoroutineSuspended)
}

// Reset returns a terminated coroutine to Idle so it can be started
// again.
func (c *Coroutine) Reset() {
	if c.state != CoroutineTerminated || c.dead {
		panic(fmt.Sprintf("cosched: reset coroutine %d in state %v", c.id, c.state))
	}
	c.state = CoroutineIdle
	c.task = nil
}

// Kill force terminates c. A killed coroutine cannot be reused.
func (c *Coroutine) Kill() {
	if c.dead {
		return
	}
	c.killing = true
	c.cancel()
	c.dead = true
	c.state = CoroutineTerminated
}

func (c *Coroutine) step() {
	c.state = CoroutineRunning
	state, ok := c.resume(struct{}{})
	if !ok {
		state = CoroutineTerminated
		c.dead = true
	}
	c.state = state
	if state == CoroutineTerminated && c.onTerm != nil {
		c.onTerm(c)
	}
}
