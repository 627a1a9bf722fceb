package aio

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInTask is returned by the facade when called outside a
	// task body.
	ErrNotInTask = errors.New("aio: not called from a task")

	// ErrDiscarded is the result of a request whose results were
	// discarded.
	ErrDiscarded = errors.New("aio: results discarded")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("aio: closed")

	// ErrNoWorkers is returned when every worker thread has died.
	ErrNoWorkers = errors.New("aio: no live workers")
)

// WorkerFatalError reports a worker thread that stopped because it
// could no longer trust shared state. The job it held, if any, is
// failed with this error.
type WorkerFatalError struct {
	Worker int
	Err    error
	job    *Job
}

func (e *WorkerFatalError) Error() string {
	return fmt.Sprintf("aio: worker %d terminated: %v", e.Worker, e.Err)
}

func (e *WorkerFatalError) Unwrap() error {
	return e.Err
}
