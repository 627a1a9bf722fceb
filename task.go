package cosched

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	taskTraceTaskType   = "cosched-loop"
	taskTraceRegionType = "cosched-task"
	taskTraceCategory   = "cosched"
)

// TaskState is the lifecycle state of a Task.
type TaskState uint8

const (
	TaskCreated TaskState = iota
	TaskScheduled
	TaskRunning
	TaskSuspended
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskScheduled:
		return "scheduled"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskFinished:
		return "finished"
	default:
		return fmt.Sprintf("TaskState(%d)", uint8(s))
	}
}

// TaskFunc is the body of a task. A returned error, like a panic, is
// delivered to the scheduler's exception hook.
type TaskFunc func(ctx context.Context, t *Task) error

// Task is an application-level unit of cooperative work. A task
// borrows a coroutine for one execution span and never owns one.
type Task struct {
	id      uuid.UUID
	name    string
	key     string
	fn      TaskFunc
	base    context.Context
	ctx     context.Context
	state   TaskState
	err     error
	co      *Coroutine
	sched   *Scheduler
	parent  *Task
	pool    string
	hooks   []func(*Task)
	woken   bool
	group   *errGroup
	started time.Time
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithTypeKey tags a task with the key of a dedicated pool.
func WithTypeKey(key string) TaskOption {
	return func(t *Task) { t.key = key }
}

// WithName sets a human-readable task name used in logs.
func WithName(name string) TaskOption {
	return func(t *Task) { t.name = name }
}

// WithHook adds a termination hook, run every time the task finishes.
func WithHook(fn func(*Task)) TaskOption {
	return func(t *Task) { t.hooks = append(t.hooks, fn) }
}

// WithContext sets the parent context the task body receives.
func WithContext(ctx context.Context) TaskOption {
	return func(t *Task) { t.base = ctx }
}

// NewTask creates a task in the Created state.
func NewTask(fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{id: uuid.New(), fn: fn, base: context.Background()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Name returns the task name, or its ID when unnamed.
func (t *Task) Name() string {
	if t.name == "" {
		return t.id.String()
	}
	return t.name
}

// TypeKey returns the dedicated pool key, or "" for the default pool.
func (t *Task) TypeKey() string {
	return t.key
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return t.state
}

// Err returns the failure recorded when the task finished.
func (t *Task) Err() error {
	return t.err
}

// Pool returns the name of the pool that last ran the task.
func (t *Task) Pool() string {
	return t.pool
}

// Context returns the context passed to the task body.
func (t *Task) Context() context.Context {
	if t.ctx == nil {
		return t.base
	}
	return t.ctx
}

// Scheduler returns the scheduler the task was admitted to.
func (t *Task) Scheduler() *Scheduler {
	return t.sched
}

// Reset prepares a finished task for another run with a new body.
// Hooks and options are kept; membership of an ErrGroup is not.
func (t *Task) Reset(fn TaskFunc) {
	if t.state != TaskFinished && t.state != TaskCreated {
		panic(fmt.Sprintf("cosched: reset task %s in state %v", t.Name(), t.state))
	}
	t.fn = fn
	t.state = TaskCreated
	t.err = nil
	t.ctx = nil
	t.sched = nil
	t.parent = nil
	t.woken = false
	t.group = nil
}

// Suspend parks the task until someone calls Wake. It must be called
// from the task's own body.
func (t *Task) Suspend() {
	if t.state != TaskRunning || t.co == nil {
		panic(fmt.Sprintf("cosched: suspend task %s in state %v", t.Name(), t.state))
	}
	t.Log("SUSPEND")
	t.state = TaskSuspended
	t.co.Suspend()
}

// Wake queues a suspended task for resumption at the start of the
// next scheduler cycle. Waking a task that is not suspended by then
// is a no-op. Scheduler goroutine only.
func (t *Task) Wake() {
	if t.sched == nil || t.woken || t.state == TaskFinished {
		return
	}
	t.woken = true
	t.sched.runnable.PushBack(t)
}

// Yield lets every other runnable task go first, then continues.
func (t *Task) Yield() {
	t.Wake()
	t.Suspend()
}

// Sleep suspends the task for at least d using the scheduler's timer
// facility. Wakes from elsewhere before the timer fires are ignored.
func (t *Task) Sleep(d time.Duration) error {
	fired := false
	if _, err := t.sched.After(d, func() {
		fired = true
		t.Wake()
	}); err != nil {
		return err
	}
	for !fired {
		t.Suspend()
	}
	return nil
}

// Go schedules fn as a child task inheriting t's context.
func (t *Task) Go(fn TaskFunc, opts ...TaskOption) (*Task, error) {
	opts = append([]TaskOption{WithContext(t.Context())}, opts...)
	child := NewTask(fn, opts...)
	child.parent = t
	return child, t.sched.Schedule(child)
}

// Group returns an ErrGroup whose tasks are children of t.
func (t *Task) Group() ErrGroup {
	return newErrGroup(t)
}

// Do runs fn once per key among concurrently waiting tasks of the
// same scheduler.
func (t *Task) Do(key string, fn func() (any, error)) (any, error, bool) {
	t.Logf("DO %v", key)
	return t.sched.flight.do(t, key, fn)
}

func (t *Task) admit(s *Scheduler) error {
	if t.state != TaskCreated {
		return fmt.Errorf("%w: task %s is %v", ErrTaskState, t.Name(), t.state)
	}
	t.sched = s
	t.ctx = withTaskContext(t.base, t)
	return nil
}

// execute runs the body on c. It is always called on c.
func (t *Task) execute(c *Coroutine, pool string) {
	t.co = c
	c.task = t
	t.pool = pool
	t.state = TaskRunning
	t.started = time.Now()

	region := trace.StartRegion(t.ctx, taskTraceRegionType)
	defer region.End()

	t.Log("RUN")
	err := t.call()
	if c.killing {
		return
	}
	t.finish(err)
}

func (t *Task) call() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if t.co != nil && t.co.killing {
			panic(r)
		}
		err = newPanicError(r)
	}()
	return t.fn(t.ctx, t)
}

func (t *Task) resume() {
	t.Log("RESUME")
	t.state = TaskRunning
	t.co.Resume()
}

func (t *Task) finish(err error) {
	t.Log("FINISH")
	t.state = TaskFinished
	t.err = err
	if t.co != nil {
		t.co.task = nil
		t.co = nil
	}

	if s := t.sched; s != nil {
		s.metrics.RecordTaskDuration(t.pool, time.Since(t.started))
		if err != nil && t.group == nil {
			s.handleException(t, err)
		}
	}
	t.runHooks()
}

// abandon finishes a task that will never run again without invoking
// the exception hook.
func (t *Task) abandon(err error) {
	t.state = TaskFinished
	t.err = err
	if t.co != nil {
		t.co.task = nil
		t.co = nil
	}
	t.runHooks()
}

func (t *Task) runHooks() {
	for _, hook := range t.hooks {
		hook(t)
	}
	if g := t.group; g != nil {
		g.finished(t)
	}
}

// Log emits a trace log line prefixed with the task's path when
// runtime tracing is enabled.
func (t *Task) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(t.Context(), taskTraceCategory, sb.String())
	}
}

// Logf is the formatted variant of Log.
func (t *Task) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.Context(), taskTraceCategory, sb.String())
	}
}

func taskpath(sb *strings.Builder, t *Task) {
	if t == nil {
		return
	}
	taskpath(sb, t.parent)
	sb.WriteString(t.Name())
	sb.WriteRune('|')
}
