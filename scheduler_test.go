package cosched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExceptionHandlerReceivesFailures(t *testing.T) {
	r := require.New(t)

	var failures []error
	s := newTestScheduler(t, DefaultConfig(), WithExceptionHandler(func(_ *Task, err error) {
		failures = append(failures, err)
	}))

	boom := errors.New("boom")
	r.NoError(s.Schedule(NewTask(func(context.Context, *Task) error { return boom })))
	r.NoError(s.Schedule(NewTask(func(context.Context, *Task) error { panic("kaboom") })))
	r.NoError(s.Schedule(NewTask(func(context.Context, *Task) error { return nil })))
	runLoop(t, s)

	r.Len(failures, 2)
	r.ErrorIs(failures[0], boom)

	var perr *PanicError
	r.ErrorAs(failures[1], &perr)
	r.Equal("kaboom", perr.Value)
	r.Contains(perr.DebugString(), "kaboom")
}

func TestLogPolicyKeepsRunning(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := newTestScheduler(t, DefaultConfig(), WithLogger(logger))

	after := false
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		task.Yield()
		return errors.New("broken pipe")
	}, WithName("failing"))))
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		task.Yield()
		task.Yield()
		after = true
		return nil
	})))
	runLoop(t, s)

	r.True(after)
	r.Contains(buf.String(), "task failed")
	r.Contains(buf.String(), "task=failing")
	r.Contains(buf.String(), "broken pipe")
}

func TestAbortPolicyPanicsOutOfLoop(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	cfg.ExceptionPolicy = PolicyAbort
	s := newTestScheduler(t, cfg, WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		task.Yield()
		return errors.New("fatal")
	})))
	r.Panics(func() { _ = s.EventLoop(context.Background()) })
}

func TestTaskErrorIsRecorded(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig(), WithExceptionHandler(func(*Task, error) {}))

	boom := errors.New("boom")
	task := NewTask(func(context.Context, *Task) error { return boom })
	r.NoError(s.Schedule(task))
	r.Equal(TaskFinished, task.State())
	r.ErrorIs(task.Err(), boom)
	r.Equal("default", task.Pool())

	r.ErrorIs(s.Schedule(task), ErrTaskState)

	task.Reset(func(context.Context, *Task) error { return nil })
	r.NoError(s.Schedule(task))
	r.NoError(task.Err())
}

func TestWakeResumesOnNextCycle(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var trace []string
	sleeper := NewTask(func(_ context.Context, task *Task) error {
		trace = append(trace, "sleep")
		task.Suspend()
		trace = append(trace, "woke")
		return nil
	})
	r.NoError(s.Schedule(sleeper))
	r.NoError(s.Schedule(NewTask(func(context.Context, *Task) error {
		sleeper.Wake()
		trace = append(trace, "waker")
		return nil
	})))

	r.Equal([]string{"sleep", "waker"}, trace)
	runLoop(t, s)
	r.Equal([]string{"sleep", "waker", "woke"}, trace)
}

func TestIdleLoopReturnsWithSuspendedTasks(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	s := newTestScheduler(t, DefaultConfig(), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	task := NewTask(suspendForever)
	r.NoError(s.Schedule(task))
	runLoop(t, s)

	r.Equal(SchedulerInitialized, s.State())
	r.Equal(TaskSuspended, task.State())
	r.Equal(1, s.Stats().Default.Busy)
	r.Contains(buf.String(), "suspended=1")

	// the loop can be entered again once there is work
	task.Wake()
	runLoop(t, s)
	r.Equal(TaskFinished, task.State())
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	s.Ref()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Stop()
	}()
	runLoop(t, s)

	r.Equal(SchedulerShuttingDown, s.State())
	r.ErrorIs(s.Schedule(NewTask(suspendForever)), ErrSchedulerStopped)
	r.ErrorIs(s.Post(func() {}), ErrSchedulerStopped)
	r.ErrorIs(s.EventLoop(context.Background()), ErrSchedulerState)

	r.NoError(s.Close())
	r.Equal(SchedulerStopped, s.State())
}

func TestContextCancelStopsLoop(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	cause := errors.New("shutdown requested")
	ctx, cancel := context.WithCancelCause(context.Background())
	s.Ref()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()

	r.ErrorIs(s.EventLoop(ctx), cause)
}

func TestPostRunsOnLoop(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	ran := 0
	s.Ref()
	go func() {
		_ = s.Post(func() { ran++ })
		_ = s.Post(func() {
			ran++
			s.Unref()
		})
	}()
	runLoop(t, s)

	r.Equal(2, ran)
	r.Zero(s.Stats().Refs)
}

func TestSleepAndAfter(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var slept time.Duration
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		start := time.Now()
		if err := task.Sleep(20 * time.Millisecond); err != nil {
			return err
		}
		slept = time.Since(start)
		return nil
	})))

	fired := false
	cancel, err := s.After(time.Hour, func() { fired = true })
	r.NoError(err)
	cancel()
	cancel()

	runLoop(t, s)
	r.GreaterOrEqual(slept, 20*time.Millisecond)
	r.False(fired)
	r.Zero(s.Stats().Sources)
}

func TestCloseAbandonsPendingTasks(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	cfg.WorkerLimit = 1
	s := newTestScheduler(t, cfg)

	running, pending := NewTask(suspendForever), NewTask(suspendForever)
	r.NoError(s.Schedule(running))
	r.NoError(s.Schedule(pending))

	r.NoError(s.Close())
	r.ErrorIs(running.Err(), ErrKilled)
	r.ErrorIs(pending.Err(), ErrSchedulerStopped)
	r.ErrorIs(s.Schedule(NewTask(suspendForever)), ErrSchedulerStopped)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerStackSize = 1

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestTaskContext(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var got *Task
	task := NewTask(func(ctx context.Context, _ *Task) error {
		got = MustTaskFromContext(ctx)
		return nil
	})
	r.NoError(s.Schedule(task))
	r.Same(task, got)

	_, ok := TaskFromContext(context.Background())
	r.False(ok)
	r.Panics(func() { MustTaskFromContext(context.Background()) })
}

func TestSleepIgnoresStrayWake(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var slept time.Duration
	sleeper := NewTask(func(_ context.Context, task *Task) error {
		start := time.Now()
		if err := task.Sleep(20 * time.Millisecond); err != nil {
			return err
		}
		slept = time.Since(start)
		return nil
	})
	r.NoError(s.Schedule(sleeper))
	r.NoError(s.Schedule(NewTask(func(context.Context, *Task) error {
		sleeper.Wake()
		return nil
	})))

	runLoop(t, s)
	r.NoError(sleeper.Err())
	r.GreaterOrEqual(slept, 20*time.Millisecond)
}

func TestResetForgetsGroupMembership(t *testing.T) {
	r := require.New(t)

	var failures int
	s := newTestScheduler(t, DefaultConfig(), WithExceptionHandler(func(*Task, error) {
		failures++
	}))

	boom := errors.New("boom")
	var child *Task
	r.NoError(s.Schedule(NewTask(func(ctx context.Context, task *Task) error {
		g := task.Group()
		g.Go(func(ctx context.Context) error {
			child, _ = TaskFromContext(ctx)
			return boom
		})
		if err := g.Wait(task); !errors.Is(err, boom) {
			return fmt.Errorf("group error %v", err)
		}
		return nil
	})))
	runLoop(t, s)
	r.Zero(failures)
	r.NotNil(child)

	child.Reset(func(context.Context, *Task) error { return boom })
	r.NoError(s.Schedule(child))
	r.Equal(1, failures)
}
