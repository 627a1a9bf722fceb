package aio

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/poll"
)

type nopMetrics struct{}

func (nopMetrics) RecordTaskDuration(string, time.Duration) {}
func (nopMetrics) RecordTaskError(string)                   {}
func (nopMetrics) RecordQueueDepth(string, int)             {}
func (nopMetrics) RecordTaskRejected(string, string)        {}
func (nopMetrics) RecordJob(string, time.Duration, error)   {}

var _ cosched.Metrics = nopMetrics{}

func TestWorkerDiesOnCompletionFailure(t *testing.T) {
	r := require.New(t)

	fatal, err := poll.NewNotifier()
	r.NoError(err)
	defer fatal.Close()

	q, err := NewJobQueue(4, 0)
	r.NoError(err)

	broken := errors.New("signal broken")
	w := newWorkerPool(1, q, func(*Job) error { return broken }, fatal, nopMetrics{}, slog.Default())
	w.start()
	r.Equal(1, w.Live())

	j := q.Acquire()
	j.cmd, j.fn = CmdCall, func() error { return nil }
	r.NoError(q.Submit(j))

	r.Eventually(func() bool { return w.Live() == 0 }, 5*time.Second, time.Millisecond)
	r.NoError(w.shutdown(context.Background()))

	signals, err := fatal.Drain()
	r.NoError(err)
	r.EqualValues(1, signals)

	failures := w.takeFailures()
	r.Len(failures, 1)
	r.Equal(0, failures[0].Worker)
	r.ErrorIs(failures[0], broken)
	r.Nil(failures[0].job)
	r.Empty(w.takeFailures())
}

func TestWorkerStopsCleanly(t *testing.T) {
	r := require.New(t)

	fatal, err := poll.NewNotifier()
	r.NoError(err)
	defer fatal.Close()

	q, err := NewJobQueue(4, 0)
	r.NoError(err)

	done := make(chan *Job, 1)
	w := newWorkerPool(2, q, func(j *Job) error {
		done <- j
		return nil
	}, fatal, nopMetrics{}, slog.Default())
	w.start()

	j := q.Acquire()
	j.cmd, j.fn = CmdCall, func() error { return errors.New("nope") }
	r.NoError(q.Submit(j))

	got := <-done
	r.Same(j, got)
	r.False(got.ok)
	r.EqualError(got.err, "nope")

	r.NoError(w.shutdown(context.Background()))
	r.Zero(w.Live())
	r.Empty(w.takeFailures())
}

func TestWorkerShutdownHonorsContext(t *testing.T) {
	r := require.New(t)

	fatal, err := poll.NewNotifier()
	r.NoError(err)
	defer fatal.Close()

	q, err := NewJobQueue(4, 0)
	r.NoError(err)

	done := make(chan *Job, 1)
	w := newWorkerPool(1, q, func(j *Job) error {
		done <- j
		return nil
	}, fatal, nopMetrics{}, slog.Default())
	w.start()

	gate, started := make(chan struct{}), make(chan struct{})
	j := q.Acquire()
	j.cmd, j.fn = CmdCall, func() error {
		close(started)
		<-gate
		return nil
	}
	r.NoError(q.Submit(j))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r.ErrorIs(w.shutdown(ctx), context.DeadlineExceeded)
	r.Equal(1, w.Live())

	close(gate)
	r.Same(j, <-done)
	r.NoError(w.shutdown(context.Background()))
	r.Zero(w.Live())
}
