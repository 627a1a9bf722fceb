package cosched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()

	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runLoop(t *testing.T, s *Scheduler) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.EventLoop(ctx))
}

func suspendForever(_ context.Context, task *Task) error {
	task.Suspend()
	return nil
}
