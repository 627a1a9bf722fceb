package cosched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/webriots/cosched/poll"
)

// SchedulerEventBuffer is the number of readiness events collected
// per multiplexer wait.
const SchedulerEventBuffer = 128

// SchedulerState is the lifecycle state of a Scheduler.
type SchedulerState uint32

const (
	SchedulerUninitialized SchedulerState = iota
	SchedulerInitialized
	SchedulerRunning
	SchedulerShuttingDown
	SchedulerStopped
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerUninitialized:
		return "uninitialized"
	case SchedulerInitialized:
		return "initialized"
	case SchedulerRunning:
		return "running"
	case SchedulerShuttingDown:
		return "shutting down"
	case SchedulerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("SchedulerState(%d)", uint32(s))
	}
}

// Multiplexer is the readiness-notification facility the event loop
// waits on. *poll.Poller implements it with epoll.
type Multiplexer interface {
	Add(fd int, events poll.Events) error
	Remove(fd int) error
	Wait(events []poll.Event, timeout time.Duration) (int, error)
	Wake() error
	Close() error
}

// ExceptionHandler receives every failure that escapes a task body.
// It runs on the scheduler goroutine.
type ExceptionHandler func(t *Task, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMultiplexer replaces the default epoll poller. The scheduler
// does not close a multiplexer it did not create.
func WithMultiplexer(m Multiplexer) Option {
	return func(s *Scheduler) { s.mux = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithExceptionHandler installs the process-wide exception hook,
// replacing the policy-driven default.
func WithExceptionHandler(fn ExceptionHandler) Option {
	return func(s *Scheduler) { s.handler = fn }
}

// WithOverflow sets the default pool's overflow policy.
func WithOverflow(fn OverflowFunc) Option {
	return func(s *Scheduler) { s.overflow = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type source struct {
	fn     func(poll.Events)
	daemon bool
}

// Scheduler owns the default pool, the dedicated pool registry, the
// readiness multiplexer and the event loop. Every method except Stop,
// Post and State must be called from the goroutine running the event
// loop, or before it starts.
type Scheduler struct {
	cfg       Config
	state     atomic.Uint32
	stopping  atomic.Bool
	pool      *BoundedPool
	dedicated *DedicatedPoolRegistry
	mux       Multiplexer
	ownsMux   bool
	sources   map[int]source
	active    int
	refs      int
	runnable  deque.Deque[*Task]
	events    []poll.Event
	postMu    sync.Mutex
	posted    []func()
	spare     []func()
	flight    *singleFlight
	handler   ExceptionHandler
	overflow  OverflowFunc
	metrics   Metrics
	logger    *slog.Logger
}

// New validates cfg and builds an Initialized scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:     cfg,
		sources: make(map[int]source),
		events:  make([]poll.Event, SchedulerEventBuffer),
		flight:  newSingleFlight(),
		metrics: nopMetrics{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	dedicated, err := NewDedicatedPoolRegistry(cfg.DedicatedPools)
	if err != nil {
		return nil, err
	}
	s.dedicated = dedicated

	pool, err := NewBoundedPool("default", cfg.WorkerStackSize, cfg.WorkerLimit, cfg.QueueLimit, s.overflow)
	if err != nil {
		return nil, err
	}
	pool.metrics = s.metrics
	pool.logger = s.logger
	s.pool = pool

	if s.mux == nil {
		p, err := poll.New()
		if err != nil {
			return nil, fmt.Errorf("cosched: create poller: %w", err)
		}
		s.mux = p
		s.ownsMux = true
	}

	s.state.Store(uint32(SchedulerInitialized))
	return s, nil
}

// State returns the lifecycle state. Safe from any goroutine.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Config returns the configuration the scheduler was built with.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger {
	return s.logger
}

// Metrics returns the scheduler's metrics sink.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics
}

// Multiplexer returns the readiness multiplexer.
func (s *Scheduler) Multiplexer() Multiplexer {
	return s.mux
}

// DefaultPool returns the bounded default pool.
func (s *Scheduler) DefaultPool() *BoundedPool {
	return s.pool
}

// Dedicated returns the dedicated pool registry.
func (s *Scheduler) Dedicated() *DedicatedPoolRegistry {
	return s.dedicated
}

// Schedule runs t on its dedicated pool if its type key is registered,
// otherwise on the default pool, queueing it when the pool is at its
// limit.
func (s *Scheduler) Schedule(t *Task) error {
	if err := s.admit(t); err != nil {
		return err
	}
	if s.dedicated.Run(t) {
		return nil
	}
	return s.pool.RunOrQueue(t)
}

// Queue defers t to the default pool's queue even when a coroutine is
// free. It starts no earlier than the next cycle.
func (s *Scheduler) Queue(t *Task) error {
	if err := s.admit(t); err != nil {
		return err
	}
	return s.pool.Queue(t)
}

// Post queues fn to run on the scheduler goroutine at the start of the
// next cycle. Safe from any goroutine. Posted functions only run while
// the event loop is running.
func (s *Scheduler) Post(fn func()) error {
	if s.State() >= SchedulerShuttingDown {
		return ErrSchedulerStopped
	}
	s.postMu.Lock()
	s.posted = append(s.posted, fn)
	s.postMu.Unlock()
	return s.mux.Wake()
}

// Watch registers fd with the multiplexer and calls fn on the
// scheduler goroutine whenever it fires. A watched fd keeps the event
// loop alive.
func (s *Scheduler) Watch(fd int, events poll.Events, fn func(poll.Events)) error {
	return s.watch(fd, events, fn, false)
}

// WatchDaemon is Watch for sources that must not keep the event loop
// alive on their own.
func (s *Scheduler) WatchDaemon(fd int, events poll.Events, fn func(poll.Events)) error {
	return s.watch(fd, events, fn, true)
}

func (s *Scheduler) watch(fd int, events poll.Events, fn func(poll.Events), daemon bool) error {
	if _, ok := s.sources[fd]; ok {
		return fmt.Errorf("cosched: fd %d already watched", fd)
	}
	if err := s.mux.Add(fd, events); err != nil {
		return fmt.Errorf("cosched: watch fd %d: %w", fd, err)
	}
	s.sources[fd] = source{fn: fn, daemon: daemon}
	if !daemon {
		s.active++
	}
	return nil
}

// Unwatch removes fd from the multiplexer.
func (s *Scheduler) Unwatch(fd int) error {
	src, ok := s.sources[fd]
	if !ok {
		return fmt.Errorf("cosched: fd %d not watched", fd)
	}
	delete(s.sources, fd)
	if !src.daemon {
		s.active--
	}
	return s.mux.Remove(fd)
}

// After calls fn on the scheduler goroutine once d has elapsed. The
// returned cancel func disarms the timer if it has not fired yet.
func (s *Scheduler) After(d time.Duration, fn func()) (func(), error) {
	timer, err := poll.NewTimer(d)
	if err != nil {
		return nil, fmt.Errorf("cosched: create timer: %w", err)
	}

	fd := timer.Fd()
	done := false
	release := func() {
		if done {
			return
		}
		done = true
		_ = s.Unwatch(fd)
		_ = timer.Close()
	}

	if err := s.Watch(fd, poll.EventRead, func(poll.Events) {
		release()
		fn()
	}); err != nil {
		_ = timer.Close()
		return nil, err
	}
	return release, nil
}

// Ref keeps the event loop alive for outstanding asynchronous work
// until the matching Unref.
func (s *Scheduler) Ref() {
	s.refs++
}

// Unref releases one Ref.
func (s *Scheduler) Unref() {
	if s.refs == 0 {
		panic("cosched: Unref without Ref")
	}
	s.refs--
}

// EventLoop drives the scheduler until Stop is called, ctx is done, or
// the loop goes idle: nothing runnable, no watched sources and no
// references. Returning on idle leaves the scheduler Initialized so
// the loop may be entered again.
func (s *Scheduler) EventLoop(ctx context.Context) error {
	if !s.state.CompareAndSwap(uint32(SchedulerInitialized), uint32(SchedulerRunning)) {
		return fmt.Errorf("%w: event loop entered while %v", ErrSchedulerState, s.State())
	}

	ctx, tracer := trace.NewTask(ctx, taskTraceTaskType)
	defer tracer.End()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	trace.Log(ctx, taskTraceCategory, "LOOP")
	err := s.loop()
	trace.Log(ctx, taskTraceCategory, "LOOP DONE")

	if s.stopping.Load() {
		s.state.Store(uint32(SchedulerShuttingDown))
	} else {
		s.state.Store(uint32(SchedulerInitialized))
	}

	if err == nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// Stop asks the event loop to return after the current cycle. Safe
// from any goroutine.
func (s *Scheduler) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	_ = s.mux.Wake()
}

// Close kills every busy coroutine, abandons pending tasks and
// releases the multiplexer if the scheduler created it. The event
// loop must not be running.
func (s *Scheduler) Close() error {
	switch s.State() {
	case SchedulerRunning:
		return fmt.Errorf("%w: close while the event loop is running", ErrSchedulerState)
	case SchedulerStopped, SchedulerUninitialized:
		return nil
	}

	s.stopping.Store(true)
	s.state.Store(uint32(SchedulerShuttingDown))

	s.dedicated.Kill()
	s.pool.Kill(ErrSchedulerStopped)
	s.dedicated.Close()
	s.pool.pool.Close()
	s.runnable.Clear()

	var err error
	if s.ownsMux {
		err = s.mux.Close()
	}
	s.state.Store(uint32(SchedulerStopped))
	return err
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	State     SchedulerState
	Default   PoolStats
	Dedicated []PoolStats
	Runnable  int
	Sources   int
	Refs      int
}

// Stats returns a snapshot of the scheduler and its pools.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:     s.State(),
		Default:   s.pool.Stats(),
		Dedicated: s.dedicated.Stats(),
		Runnable:  s.runnable.Len(),
		Sources:   len(s.sources),
		Refs:      s.refs,
	}
}

func (s *Scheduler) admit(t *Task) error {
	switch s.State() {
	case SchedulerInitialized, SchedulerRunning:
	case SchedulerUninitialized:
		return fmt.Errorf("%w: scheduler not initialized", ErrSchedulerState)
	default:
		return ErrSchedulerStopped
	}
	if s.stopping.Load() {
		return ErrSchedulerStopped
	}
	return t.admit(s)
}

func (s *Scheduler) loop() error {
	for {
		s.cycle()
		if s.stopping.Load() {
			return nil
		}

		timeout := time.Duration(-1)
		switch {
		case s.runnable.Len() > 0, s.pool.ready(), s.hasPosted():
			timeout = 0
		case s.active == 0 && s.refs == 0:
			if suspended := s.suspended(); suspended > 0 {
				s.logger.Warn("cosched: event loop idle with suspended tasks", "suspended", suspended)
			}
			return nil
		}

		n, err := s.mux.Wait(s.events, timeout)
		if err != nil {
			return fmt.Errorf("cosched: multiplexer wait: %w", err)
		}
		for _, ev := range s.events[:n] {
			if src, ok := s.sources[ev.Fd]; ok {
				src.fn(ev.Events)
			}
		}
	}
}

// cycle runs posted functions, resumes the tasks woken before the
// cycle began and lets the default pool drain its queue. Tasks woken
// during the cycle wait for the next one.
func (s *Scheduler) cycle() {
	s.runPosted()

	for n := s.runnable.Len(); n > 0; n-- {
		t := s.runnable.PopFront()
		t.woken = false
		if t.state == TaskSuspended {
			t.resume()
		}
	}

	s.pool.Drain()
}

func (s *Scheduler) runPosted() {
	s.postMu.Lock()
	s.posted, s.spare = s.spare, s.posted
	s.postMu.Unlock()

	for i, fn := range s.spare {
		fn()
		s.spare[i] = nil
	}
	s.spare = s.spare[:0]
}

func (s *Scheduler) hasPosted() bool {
	s.postMu.Lock()
	defer s.postMu.Unlock()
	return len(s.posted) > 0
}

func (s *Scheduler) suspended() int {
	n := s.pool.pool.Busy()
	for _, key := range s.dedicated.keys {
		n += s.dedicated.pools[key].Busy()
	}
	return n
}

func (s *Scheduler) handleException(t *Task, err error) {
	s.metrics.RecordTaskError(t.pool)
	if s.handler != nil {
		s.handler(t, err)
		return
	}

	s.logger.Error("cosched: task failed",
		"task", t.Name(),
		"pool", t.pool,
		"policy", string(s.cfg.ExceptionPolicy),
		"err", err,
	)
	if s.cfg.ExceptionPolicy == PolicyAbort {
		panic(err)
	}
}
