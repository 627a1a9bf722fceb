package aio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"code.hybscloud.com/iox"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/poll"
)

// AIO ties a WorkerPool to one Scheduler. Apart from construction
// every method belongs to the scheduler goroutine.
type AIO struct {
	sched       *cosched.Scheduler
	queue       *JobQueue
	workers     *WorkerPool
	completions *CompletionScheduler
	ready       *poll.Notifier
	fatal       *poll.Notifier
	logger      *slog.Logger
	inflight    int
	submitted   uint64
	closed      bool
	shut        bool
}

// Option configures an AIO.
type Option func(*AIO)

// WithLogger overrides the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *AIO) {
		a.logger = l
	}
}

// New starts cfg.Workers worker threads and registers the completion
// and fatal eventfds with sched. Neither registration keeps the event
// loop alive; each outstanding job holds a scheduler reference instead.
func New(sched *cosched.Scheduler, cfg cosched.AIOConfig, opts ...Option) (*AIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &AIO{
		sched:  sched,
		logger: sched.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	queue, err := NewJobQueue(cfg.QueueCapacity, cfg.FreeList)
	if err != nil {
		return nil, err
	}
	a.queue = queue
	if a.ready, err = poll.NewNotifier(); err != nil {
		return nil, fmt.Errorf("aio: completion eventfd: %w", err)
	}
	if a.fatal, err = poll.NewNotifier(); err != nil {
		_ = a.ready.Close()
		return nil, fmt.Errorf("aio: fatal eventfd: %w", err)
	}
	a.completions = NewCompletionScheduler(a.ready, a.finalize, a.queue.Recycle)

	if err := sched.WatchDaemon(a.ready.Fd(), poll.EventRead, a.onReady); err != nil {
		a.closeNotifiers()
		return nil, err
	}
	if err := sched.WatchDaemon(a.fatal.Fd(), poll.EventRead, a.onFatal); err != nil {
		_ = sched.Unwatch(a.ready.Fd())
		a.closeNotifiers()
		return nil, err
	}

	a.workers = newWorkerPool(cfg.Workers, a.queue, a.completions.RequestReady, a.fatal, sched.Metrics(), a.logger)
	a.workers.start()
	return a, nil
}

// Queue returns the job queue.
func (a *AIO) Queue() *JobQueue {
	return a.queue
}

// Workers returns the worker pool.
func (a *AIO) Workers() *WorkerPool {
	return a.workers
}

// Completions returns the completion scheduler.
func (a *AIO) Completions() *CompletionScheduler {
	return a.completions
}

// Inflight returns the number of submitted jobs not yet delivered or
// discarded.
func (a *AIO) Inflight() int {
	return a.inflight
}

// NewRead prepares a job reading up to length bytes at off, or at the
// current position when off is negative.
func (a *AIO) NewRead(fd, length int, off int64) *Job {
	j := a.queue.Acquire()
	j.cmd, j.fd, j.offset, j.length = CmdRead, fd, off, length
	j.buffer(length)
	return j
}

// NewWrite prepares a job writing a copy of data at off, or at the
// current position when off is negative.
func (a *AIO) NewWrite(fd int, data []byte, off int64) *Job {
	j := a.queue.Acquire()
	j.cmd, j.fd, j.offset, j.length = CmdWrite, fd, off, len(data)
	copy(j.buffer(len(data)), data)
	return j
}

// NewFsync prepares a job flushing fd to stable storage.
func (a *AIO) NewFsync(fd int) *Job {
	j := a.queue.Acquire()
	j.cmd, j.fd = CmdFsync, fd
	return j
}

// NewClose prepares a job closing fd.
func (a *AIO) NewClose(fd int) *Job {
	j := a.queue.Acquire()
	j.cmd, j.fd = CmdClose, fd
	return j
}

// NewCall prepares a job running fn on a worker thread.
func (a *AIO) NewCall(fn func() error) *Job {
	j := a.queue.Acquire()
	j.cmd, j.fn = CmdCall, fn
	return j
}

// Submit hands j to the workers. On error j has been recycled.
func (a *AIO) Submit(j *Job) (*Notification, error) {
	switch {
	case a.closed:
		a.queue.Recycle(j)
		return nil, ErrClosed
	case a.workers.Live() == 0:
		a.queue.Recycle(j)
		return nil, ErrNoWorkers
	}
	n := &Notification{aio: a, job: j}
	j.note = n
	if err := a.queue.Submit(j); err != nil {
		a.queue.Recycle(j)
		a.sched.Metrics().RecordTaskRejected("aio", "queue_full")
		return nil, err
	}
	a.inflight++
	a.submitted++
	a.sched.Ref()
	return n, nil
}

// Read reads into buf at the current file position.
func (a *AIO) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	return a.ReadAt(ctx, fd, buf, -1)
}

// ReadAt fills buf from off, stopping early only at EOF.
func (a *AIO) ReadAt(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	if _, ok := cosched.TaskFromContext(ctx); !ok {
		return 0, ErrNotInTask
	}
	n, err := a.ReadAsync(fd, buf, off)
	if err != nil {
		return 0, err
	}
	res, err := n.Wait(ctx)
	return res.N, err
}

// ReadAsync submits a read into buf without waiting for it. buf is
// written on delivery only, so after DiscardResults it is never
// touched.
func (a *AIO) ReadAsync(fd int, buf []byte, off int64) (*Notification, error) {
	n, err := a.Submit(a.NewRead(fd, len(buf), off))
	if err != nil {
		return nil, err
	}
	n.dst = buf
	return n, nil
}

// WriteAsync submits a write of a copy of data without waiting for
// it. data may be reused as soon as WriteAsync returns.
func (a *AIO) WriteAsync(fd int, data []byte, off int64) (*Notification, error) {
	return a.Submit(a.NewWrite(fd, data, off))
}

// Write writes data at the current file position.
func (a *AIO) Write(ctx context.Context, fd int, data []byte) (int, error) {
	return a.WriteAt(ctx, fd, data, -1)
}

// WriteAt writes all of data at off.
func (a *AIO) WriteAt(ctx context.Context, fd int, data []byte, off int64) (int, error) {
	res, err := a.await(ctx, func() *Job { return a.NewWrite(fd, data, off) })
	return res.N, err
}

// Fsync flushes fd to stable storage.
func (a *AIO) Fsync(ctx context.Context, fd int) error {
	_, err := a.await(ctx, func() *Job { return a.NewFsync(fd) })
	return err
}

// Close closes fd on a worker thread.
func (a *AIO) Close(ctx context.Context, fd int) error {
	_, err := a.await(ctx, func() *Job { return a.NewClose(fd) })
	return err
}

// Call runs fn on a worker thread and reports whether it succeeded. A
// panic in fn is reported as failure, never propagated.
func (a *AIO) Call(ctx context.Context, fn func() error) (bool, error) {
	res, err := a.await(ctx, func() *Job { return a.NewCall(fn) })
	return res.OK, err
}

func (a *AIO) await(ctx context.Context, build func() *Job) (Result, error) {
	if _, ok := cosched.TaskFromContext(ctx); !ok {
		return Result{}, ErrNotInTask
	}
	n, err := a.Submit(build())
	if err != nil {
		return Result{}, err
	}
	return n.Wait(ctx)
}

// Shutdown delivers outstanding results until none remain or ctx is
// done, stops the workers, and releases the eventfds. Unclaimed jobs
// left behind are failed with ErrClosed.
//
// A worker blocked in a call that never returns, such as a read on an
// idle pipe, keeps Shutdown waiting until ctx ends. Shutdown then
// returns the cause with the eventfds still watched, so the late
// result is delivered by the event loop, and may be called again.
func (a *AIO) Shutdown(ctx context.Context) error {
	if a.shut {
		return nil
	}
	a.closed = true
	err := a.drain(ctx)

	if werr := a.workers.shutdown(ctx); werr != nil {
		a.logger.Warn("aio: shutdown interrupted", "live", a.workers.Live(), "inflight", a.inflight)
		if err == nil {
			err = werr
		}
		return err
	}
	a.shut = true
	for _, j := range a.queue.drain() {
		j.err = ErrClosed
		a.finalize(j)
	}
	a.onFatal(poll.EventRead)
	if _, perr := a.completions.Process(); perr != nil {
		err = errors.Join(err, perr)
	}

	err = errors.Join(err, a.sched.Unwatch(a.ready.Fd()), a.sched.Unwatch(a.fatal.Fd()))
	a.closeNotifiers()
	return err
}

// drain spins on the completion queue, backing off while workers are
// busy, until every in-flight job has settled.
func (a *AIO) drain(ctx context.Context) error {
	var bo iox.Backoff
	for a.inflight > 0 && a.workers.Live() > 0 {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		n, err := a.completions.Process()
		if err != nil {
			return err
		}
		if n == 0 {
			bo.Wait()
			continue
		}
		bo.Reset()
	}
	return nil
}

// Stats is a snapshot of the I/O subsystem.
type Stats struct {
	Submitted   uint64
	Inflight    int
	Pending     int
	LiveWorkers int
	Completions CompletionStats
}

// Stats returns a snapshot.
func (a *AIO) Stats() Stats {
	return Stats{
		Submitted:   a.submitted,
		Inflight:    a.inflight,
		Pending:     a.queue.Len(),
		LiveWorkers: a.workers.Live(),
		Completions: a.completions.Stats(),
	}
}

func (a *AIO) onReady(poll.Events) {
	if _, err := a.completions.Process(); err != nil {
		a.logger.Error("aio: process completions", "err", err)
	}
}

func (a *AIO) onFatal(poll.Events) {
	if _, err := a.fatal.Drain(); err != nil {
		a.logger.Error("aio: drain fatal eventfd", "err", err)
	}
	for _, f := range a.workers.takeFailures() {
		a.logger.Error("aio: worker terminated", "worker", f.Worker, "err", f.Err, "live", a.workers.Live())
		if j := f.job; j != nil {
			j.n, j.ok, j.err = 0, false, f
			if err := a.completions.RequestReady(j); err != nil {
				a.logger.Error("aio: requeue failed job", "err", err)
			}
		}
	}
	if a.workers.Live() > 0 {
		return
	}
	// nothing will claim what is still queued
	for _, j := range a.queue.drain() {
		j.err = ErrNoWorkers
		a.finalize(j)
	}
}

// finalize runs on the scheduler goroutine for each delivered job.
func (a *AIO) finalize(j *Job) {
	if n := j.note; n != nil {
		j.note = nil
		n.complete(j)
		a.settle()
	}
	a.queue.Recycle(j)
}

func (a *AIO) settle() {
	a.inflight--
	a.sched.Unref()
}

func (a *AIO) closeNotifiers() {
	_ = a.ready.Close()
	_ = a.fatal.Close()
}
