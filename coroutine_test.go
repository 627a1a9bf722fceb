package cosched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoroutineLifecycle(t *testing.T) {
	r := require.New(t)

	var terminated int
	c := newCoroutine(1, DefaultStackSize, func(*Coroutine) { terminated++ })
	r.Equal(CoroutineIdle, c.State())
	r.Equal(DefaultStackSize, c.StackSize())

	var steps []string
	c.Start(func() {
		steps = append(steps, "start")
		c.Suspend()
		steps = append(steps, "resume")
	})
	r.Equal(CoroutineSuspended, c.State())
	r.Equal([]string{"start"}, steps)
	r.Zero(terminated)

	c.Resume()
	r.Equal(CoroutineTerminated, c.State())
	r.Equal([]string{"start", "resume"}, steps)
	r.Equal(1, terminated)

	// Terminated coroutines are reusable after Reset.
	c.Reset()
	r.Equal(CoroutineIdle, c.State())
	c.Start(func() { steps = append(steps, "again") })
	r.Equal(CoroutineTerminated, c.State())
	r.Equal([]string{"start", "resume", "again"}, steps)
	r.Equal(2, terminated)
}

func TestCoroutineMisusePanics(t *testing.T) {
	r := require.New(t)

	c := newCoroutine(1, DefaultStackSize, nil)
	r.Panics(func() { c.Resume() })
	r.Panics(func() { c.Suspend() })
	r.Panics(func() { c.Reset() })

	c.Start(func() { c.Suspend() })
	r.Panics(func() { c.Start(func() {}) })
	r.Panics(func() { c.Reset() })
	c.Kill()
}

func TestCoroutineKill(t *testing.T) {
	r := require.New(t)

	finished := false
	c := newCoroutine(1, DefaultStackSize, nil)
	c.Start(func() {
		c.Suspend()
		finished = true
	})

	c.Kill()
	r.Equal(CoroutineTerminated, c.State())
	r.False(finished)
	r.Panics(func() { c.Reset() })
	r.Panics(func() { c.Start(func() {}) })

	// killing twice is harmless
	c.Kill()
}

func TestCoroutineStateString(t *testing.T) {
	r := require.New(t)

	r.Equal("suspended", CoroutineSuspended.String())
	r.Equal("CoroutineState(9)", CoroutineState(9).String())
}
