package aio

import (
	"context"

	"github.com/webriots/cosched"
)

// Result is the outcome of one job. For Call, OK reports whether the
// function returned without error or panic; for the other commands it
// mirrors Err == nil.
type Result struct {
	N   int
	OK  bool
	Err error
}

// Notification is the caller's handle on a submitted job. It is
// delivered at most once and belongs to the scheduler goroutine.
type Notification struct {
	aio    *AIO
	job    *Job
	task   *cosched.Task
	dst    []byte
	result Result
	done   bool
}

// Done reports whether the result has arrived or been discarded.
func (n *Notification) Done() bool {
	return n.done
}

// Result returns the result so far; it is only meaningful once Done.
func (n *Notification) Result() Result {
	return n.result
}

// Wait suspends the calling task until the job completes or its
// results are discarded, then returns the result and its error.
func (n *Notification) Wait(ctx context.Context) (Result, error) {
	if !n.done {
		task, ok := cosched.TaskFromContext(ctx)
		if !ok {
			return Result{}, ErrNotInTask
		}
		n.task = task
		for !n.done {
			task.Suspend()
		}
		n.task = nil
	}
	return n.result, n.result.Err
}

// DiscardResults abandons the job. The blocking call still runs to
// completion, but its result is recycled instead of delivered and the
// caller's buffer is never written. A task waiting in Wait is woken
// with ErrDiscarded. Discarding a delivered notification does nothing.
func (n *Notification) DiscardResults() {
	if n.done {
		return
	}
	if j := n.job; j != nil {
		n.job = nil
		j.note = nil
		n.aio.completions.DiscardResults(j)
		n.aio.settle()
	}
	n.result = Result{Err: ErrDiscarded}
	n.done = true
	if n.task != nil {
		n.task.Wake()
	}
}

func (n *Notification) complete(j *Job) {
	n.job = nil
	n.result = Result{N: j.n, OK: j.ok, Err: j.err}
	if j.cmd == CmdRead && n.dst != nil {
		copy(n.dst, j.scratch[:j.n])
	}
	n.dst = nil
	n.done = true
	if n.task != nil {
		n.task.Wake()
	}
}
