package aio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/poll"
)

// errNoJob is the fatal inconsistency of a token with nothing behind
// it.
var errNoJob = errors.New("token without a claimable job")

// WorkerPool runs a fixed number of goroutines, each locked to its own
// OS thread, that claim jobs and perform their blocking calls.
type WorkerPool struct {
	queue    *JobQueue
	complete func(*Job) error
	fatal    *poll.Notifier
	metrics  cosched.Metrics
	logger   *slog.Logger
	size     int
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	live     atomix.Uint32

	mu       sync.Mutex
	failures []*WorkerFatalError
}

func newWorkerPool(
	size int,
	queue *JobQueue,
	complete func(*Job) error,
	fatal *poll.Notifier,
	metrics cosched.Metrics,
	logger *slog.Logger,
) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		complete: complete,
		fatal:    fatal,
		metrics:  metrics,
		logger:   logger,
		size:     size,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Size returns the number of workers started.
func (w *WorkerPool) Size() int {
	return w.size
}

// Live returns the number of workers still running.
func (w *WorkerPool) Live() int {
	return int(w.live.Load())
}

func (w *WorkerPool) start() {
	for id := range w.size {
		w.live.Add(1)
		w.wg.Add(1)
		go w.run(id)
	}
}

// shutdown stops every worker once its current job, if any, has been
// handed to the completion side. It gives up when ctx ends; workers
// still inside a blocking call exit once it returns, and a later call
// waits for them again.
func (w *WorkerPool) shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
		go func() {
			w.wg.Wait()
			close(w.done)
		}()
	})
	select {
	case <-w.done:
		return nil
	default:
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (w *WorkerPool) run(id int) {
	defer w.wg.Done()
	runtime.LockOSThread()
	for {
		// stop wins over a pending token
		select {
		case <-w.stop:
			w.exit()
			return
		default:
		}
		select {
		case <-w.stop:
			w.exit()
			return
		case <-w.queue.tokens:
		}
		job, err := w.queue.Claim()
		if err != nil {
			w.die(id, fmt.Errorf("%w: %w", errNoJob, err), nil)
			return
		}
		if delivered, err := w.process(job); err != nil {
			if delivered {
				job = nil
			}
			w.die(id, err, job)
			return
		}
	}
}

func (w *WorkerPool) exit() {
	w.live.Add(^uint32(0))
	runtime.UnlockOSThread()
}

// process executes job and hands it to the completion side. It
// reports whether the completion side took ownership of job.
func (w *WorkerPool) process(job *Job) (delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	cmd, start := job.cmd, time.Now()
	job.execute()
	w.metrics.RecordJob(cmd.String(), time.Since(start), job.err)
	if err := w.complete(job); err != nil {
		return true, fmt.Errorf("completion signal: %w", err)
	}
	return true, nil
}

// die records the failure and wakes the scheduler through the fatal
// eventfd. The goroutine exits still locked, so the runtime retires
// its thread.
func (w *WorkerPool) die(id int, err error, job *Job) {
	w.live.Add(^uint32(0))
	ferr := &WorkerFatalError{Worker: id, Err: err, job: job}
	w.mu.Lock()
	w.failures = append(w.failures, ferr)
	w.mu.Unlock()
	if serr := w.fatal.Signal(); serr != nil {
		w.logger.Error("aio: fatal signal failed", "worker", id, "err", serr)
	}
}

// takeFailures returns and forgets the failures recorded so far.
func (w *WorkerPool) takeFailures() []*WorkerFatalError {
	w.mu.Lock()
	defer w.mu.Unlock()
	failures := w.failures
	w.failures = nil
	return failures
}
