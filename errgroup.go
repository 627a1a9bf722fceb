package cosched

import "context"

// ErrGroup runs a group of child tasks and collects the first error.
type ErrGroup interface {
	// Go schedules f as a child task sharing the group's context.
	Go(f func(context.Context) error)
	// Wait suspends task until every child has finished and returns
	// the first error.
	Wait(task *Task) error
}

type errGroup struct {
	task   *Task
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     WaitGroup
	err    error
}

func newErrGroup(task *Task) *errGroup {
	ctx, cancel := context.WithCancelCause(task.Context())
	return &errGroup{task: task, ctx: ctx, cancel: cancel}
}

// Go schedules f on the parent's scheduler. Child errors are returned
// by Wait instead of reaching the exception hook; a scheduling failure
// counts as the child's error.
func (g *errGroup) Go(f func(context.Context) error) {
	body := func(ctx context.Context, _ *Task) error {
		return f(ctx)
	}

	g.wg.Add(1)
	child := NewTask(body, WithContext(g.ctx))
	child.parent = g.task
	child.group = g

	if err := g.task.sched.Schedule(child); err != nil {
		child.group = nil
		g.record(err)
		g.wg.Done()
	}
}

func (g *errGroup) finished(child *Task) {
	g.record(child.Err())
	g.wg.Done()
}

// Wait suspends task until all children finish.
func (g *errGroup) Wait(task *Task) error {
	g.wg.Wait(task)
	g.cancel(g.err)
	return g.err
}

func (g *errGroup) record(err error) {
	if err != nil && g.err == nil {
		g.err = err
		g.cancel(err)
	}
}
