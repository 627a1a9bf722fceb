package cosched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexSerializesTasks(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var (
		mu      Mutex
		holders int
		order   []int
	)
	for i := range 3 {
		r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
			mu.Lock(task)
			defer mu.Unlock()
			holders++
			r.Equal(1, holders)
			order = append(order, i)
			task.Yield()
			holders--
			return nil
		})))
	}
	r.Equal(2, mu.WaitCount())

	runLoop(t, s)
	r.Equal([]int{0, 1, 2}, order)
	r.Zero(mu.WaitCount())
	r.Nil(mu.owner)
}

func TestMutexTryLockAndMisuse(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig(), WithExceptionHandler(func(*Task, error) {}))

	var mu Mutex
	r.Panics(func() { mu.Unlock() })

	task := NewTask(func(_ context.Context, task *Task) error {
		r.True(mu.TryLock(task))
		r.False(mu.TryLock(task))
		mu.Lock(task)
		return nil
	})
	r.NoError(s.Schedule(task))

	var perr *PanicError
	r.ErrorAs(task.Err(), &perr)
	r.Equal("cosched: recursive Mutex.Lock", perr.Value)
}

func TestWaitGroupWaitsForChildren(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var (
		wg   WaitGroup
		done []string
	)
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		for i := range 3 {
			wg.Add(1)
			if _, err := task.Go(func(_ context.Context, child *Task) error {
				defer wg.Done()
				for range i + 1 {
					child.Yield()
				}
				done = append(done, fmt.Sprint(i))
				return nil
			}); err != nil {
				return err
			}
		}
		wg.Wait(task)
		done = append(done, "parent")
		return nil
	})))
	runLoop(t, s)

	r.Equal([]string{"0", "1", "2", "parent"}, done)
	r.Panics(func() { wg.Done() })
}

func TestErrGroupReturnsFirstError(t *testing.T) {
	r := require.New(t)

	var hooked []error
	s := newTestScheduler(t, DefaultConfig(), WithExceptionHandler(func(_ *Task, err error) {
		hooked = append(hooked, err)
	}))

	first := errors.New("first")
	var (
		groupErr error
		cause    error
	)
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		g := task.Group()
		g.Go(func(ctx context.Context) error {
			MustTaskFromContext(ctx).Yield()
			return first
		})
		g.Go(func(ctx context.Context) error {
			child := MustTaskFromContext(ctx)
			child.Yield()
			child.Yield()
			cause = context.Cause(ctx)
			return errors.New("second")
		})
		groupErr = g.Wait(task)
		return nil
	})))
	runLoop(t, s)

	r.ErrorIs(groupErr, first)
	r.ErrorIs(cause, first)
	r.Empty(hooked)
}

func TestSingleFlightSharesResult(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	calls := 0
	type result struct {
		v      any
		shared bool
	}
	results := make([]result, 3)
	for i := range results {
		r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
			v, err, shared := task.Do("key", func() (any, error) {
				calls++
				task.Yield()
				return "value", nil
			})
			results[i] = result{v: v, shared: shared}
			return err
		})))
	}
	runLoop(t, s)

	r.Equal(1, calls)
	for _, res := range results {
		r.Equal("value", res.v)
		r.True(res.shared)
	}
	r.Empty(s.flight.calls)
}

func TestSemaphoreBoundsHolders(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	sem := NewSemaphore(2)
	var (
		holders, peak int
		order         []int
	)
	for i := range 5 {
		r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
			sem.Acquire(task)
			defer sem.Release()
			holders++
			peak = max(peak, holders)
			order = append(order, i)
			task.Yield()
			holders--
			return nil
		})))
	}
	r.Zero(sem.Available())
	r.False(sem.TryAcquire())

	runLoop(t, s)
	r.Equal(2, peak)
	r.Equal([]int{0, 1, 2, 3, 4}, order)
	r.Equal(2, sem.Available())
	r.True(sem.TryAcquire())
	r.Panics(func() { NewSemaphore(-1) })
}

func TestMutexIgnoresStrayWake(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var (
		mu            Mutex
		holders, peak int
	)
	hold := func(task *Task, d time.Duration) error {
		mu.Lock(task)
		defer mu.Unlock()
		holders++
		peak = max(peak, holders)
		err := task.Sleep(d)
		holders--
		return err
	}

	first := NewTask(func(_ context.Context, task *Task) error {
		return hold(task, 30*time.Millisecond)
	})
	second := NewTask(func(_ context.Context, task *Task) error {
		if _, err := s.After(time.Millisecond, task.Wake); err != nil {
			return err
		}
		return hold(task, time.Millisecond)
	})
	r.NoError(s.Schedule(first))
	r.NoError(s.Schedule(second))

	runLoop(t, s)
	r.NoError(first.Err())
	r.NoError(second.Err())
	r.Equal(1, peak)
	r.Nil(mu.owner)
	r.Zero(mu.WaitCount())
}

func TestWaitGroupIgnoresStrayWake(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	var wg WaitGroup
	wg.Add(1)
	finished, sawFinished := false, false
	r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
		defer wg.Done()
		if err := task.Sleep(20 * time.Millisecond); err != nil {
			return err
		}
		finished = true
		return nil
	})))
	waiter := NewTask(func(_ context.Context, task *Task) error {
		task.Wake()
		wg.Wait(task)
		sawFinished = finished
		return nil
	})
	r.NoError(s.Schedule(waiter))

	runLoop(t, s)
	r.NoError(waiter.Err())
	r.True(sawFinished)
}

func TestSemaphoreIgnoresStrayWake(t *testing.T) {
	r := require.New(t)
	s := newTestScheduler(t, DefaultConfig())

	sem := NewSemaphore(1)
	var holders, peak int
	for i := range 2 {
		r.NoError(s.Schedule(NewTask(func(_ context.Context, task *Task) error {
			if i == 1 {
				task.Wake()
			}
			sem.Acquire(task)
			defer sem.Release()
			holders++
			peak = max(peak, holders)
			err := task.Sleep(10 * time.Millisecond)
			holders--
			return err
		})))
	}

	runLoop(t, s)
	r.Equal(1, peak)
	r.Equal(1, sem.Available())
}
