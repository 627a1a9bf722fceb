// Package aio offloads blocking file I/O from a cosched scheduler to a
// fixed pool of OS threads.
//
// A task calls Read, Write, Fsync, Close or Call; the request becomes
// a Job on a bounded JobQueue, a worker thread claims it and performs
// the blocking syscall, and the CompletionScheduler hands the finished
// Job back to the scheduler goroutine, which wakes the waiting task on
// its next cycle. Worker threads and the scheduler share only the
// JobQueue and the CompletionScheduler's two queues, each behind one
// mutex held for list manipulation alone.
//
// A task that loses interest in a request calls
// Notification.DiscardResults. The in-flight syscall still completes,
// but its result is recycled without ever being delivered.
package aio
