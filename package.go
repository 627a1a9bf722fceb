// Package cosched is a cooperative task scheduler built on reusable
// coroutines, designed to be paired with the blocking-I/O worker pool
// in package aio. One goroutine runs the event loop and every task
// state transition; tasks suspend only at explicit cooperation points.
//
// Key components:
//
//   - Coroutine: an execution context that can be started, suspended,
//     resumed, reset and reused.
//
//   - CoroutinePool: recycles coroutines of one stack size.
//
//   - BoundedPool: the default scheduling path. Runs a task at once
//     when under the worker limit, otherwise queues it in a bounded
//     FIFO that finishing coroutines drain before being released.
//
//   - DedicatedPoolRegistry: unbounded, non-queueing pools keyed by
//     task type so priority work never waits behind the default pool.
//
//   - Scheduler: owns the pools, the readiness multiplexer and the
//     event loop, and routes task failures to one exception hook.
//
//   - Task: the unit of cooperative work, with Suspend, Wake, Yield
//     and Sleep as its cooperation points.
//
//   - Synchronization primitives: Mutex, WaitGroup, ErrGroup and
//     single-flight calls between tasks.
package cosched
