package cosched

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrInvalidConfiguration is the root of every configuration
	// failure. Configuration is validated eagerly by New.
	ErrInvalidConfiguration = errors.New("cosched: invalid configuration")

	// ErrDuplicateRegistration reports a dedicated pool key registered
	// twice.
	ErrDuplicateRegistration = fmt.Errorf("%w: duplicate dedicated pool", ErrInvalidConfiguration)

	// ErrResourceExhausted is the root of capacity failures.
	ErrResourceExhausted = errors.New("cosched: resource exhausted")

	// ErrPoolExhausted is returned by CoroutinePool.Acquire when the
	// pool is at its configured maximum.
	ErrPoolExhausted = fmt.Errorf("%w: coroutine pool exhausted", ErrResourceExhausted)

	// ErrQueueFull is returned when a pending queue is at capacity and
	// the overflow policy did not absorb the task.
	ErrQueueFull = fmt.Errorf("%w: queue full", ErrResourceExhausted)

	// ErrCoroutineBusy is returned when releasing a coroutine that has
	// not terminated.
	ErrCoroutineBusy = errors.New("cosched: coroutine not terminated")

	// ErrSchedulerState is returned when an operation is not valid in
	// the scheduler's current state.
	ErrSchedulerState = errors.New("cosched: invalid scheduler state")

	// ErrSchedulerStopped is returned by Schedule after Stop or Close.
	ErrSchedulerStopped = errors.New("cosched: scheduler stopped")

	// ErrTaskState is returned when a task is scheduled twice without
	// a Reset.
	ErrTaskState = errors.New("cosched: invalid task state")

	// ErrKilled is recorded on tasks whose coroutine was force
	// terminated during shutdown.
	ErrKilled = errors.New("cosched: task killed")
)

// ConfigError describes one rejected configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cosched: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// PanicError carries a value recovered from a panicking task body
// together with the stack at the point of recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cosched: task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// DebugString returns the panic value followed by the recovery stack.
func (e *PanicError) DebugString() string {
	return fmt.Sprintf("%v\n\n%s", e.Value, e.Stack)
}
