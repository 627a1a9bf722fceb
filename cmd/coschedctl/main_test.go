package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/aio"
)

func TestCopyCommand(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")
	data := strings.Repeat("cooperative scheduling ", 100)
	r.NoError(os.WriteFile(src, []byte(data), 0o644))

	r.NoError(newApp().Run([]string{"coschedctl", "--log-level", "error", "copy", "--chunk", "7", src, dst}))

	got, err := os.ReadFile(dst)
	r.NoError(err)
	r.Equal(data, string(got))
}

func TestCopyCommandWithConfig(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	cfg := filepath.Join(dir, "cosched.toml")
	r.NoError(os.WriteFile(cfg, []byte("[aio]\nworkers = 1\nqueue_capacity = 2\n"), 0o644))

	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")
	r.NoError(os.WriteFile(src, nil, 0o644))

	r.NoError(newApp().Run([]string{"coschedctl", "--config", cfg, "copy", "--fsync=false", src, dst}))

	got, err := os.ReadFile(dst)
	r.NoError(err)
	r.Empty(got)
}

func TestCopyCommandErrors(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	r.Error(newApp().Run([]string{"coschedctl", "copy", filepath.Join(dir, "only-one")}))
	r.Error(newApp().Run([]string{"coschedctl", "--log-level", "error", "copy", filepath.Join(dir, "missing"), filepath.Join(dir, "dst")}))

	cfg := filepath.Join(dir, "bad.toml")
	r.NoError(os.WriteFile(cfg, []byte("worker_stack_size = 1\n"), 0o644))
	r.Error(newApp().Run([]string{"coschedctl", "--config", cfg, "copy", filepath.Join(dir, "a"), filepath.Join(dir, "b")}))
}

func TestCatFileConcatenates(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	r.NoError(os.WriteFile(a, []byte("hello, "), 0o644))
	r.NoError(os.WriteFile(b, []byte("world"), 0o644))

	out, err := os.Create(filepath.Join(dir, "out"))
	r.NoError(err)
	defer out.Close()
	fd := int(out.Fd())

	sched, err := cosched.New(cosched.DefaultConfig())
	r.NoError(err)
	defer sched.Close()
	ioa, err := aio.New(sched, cosched.AIOConfig{Workers: 1, QueueCapacity: 4})
	r.NoError(err)
	defer ioa.Shutdown(context.Background())

	task := cosched.NewTask(func(ctx context.Context, _ *cosched.Task) error {
		buf := make([]byte, 3)
		for _, path := range []string{a, b} {
			if err := catFile(ctx, ioa, path, buf, fd); err != nil {
				return err
			}
		}
		return nil
	})
	r.NoError(sched.Schedule(task))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.NoError(sched.EventLoop(ctx))
	r.NoError(task.Err())

	got, err := os.ReadFile(out.Name())
	r.NoError(err)
	r.Equal("hello, world", string(got))
}

func TestCatCommandErrors(t *testing.T) {
	r := require.New(t)

	r.Error(newApp().Run([]string{"coschedctl", "cat"}))
	r.Error(newApp().Run([]string{"coschedctl", "cat", "--chunk", "0", "x"}))
	r.Error(newApp().Run([]string{"coschedctl", "--log-level", "error", "cat", filepath.Join(t.TempDir(), "missing")}))
}

func TestEngineExportsStatsWhileRunning(t *testing.T) {
	r := require.New(t)

	e, err := buildEngine(cosched.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.NoError(err)
	e.statsEvery = 5 * time.Millisecond

	busy := -1.0
	start := time.Now()
	r.NoError(e.run(context.Background(), "stats", func(_ context.Context, task *cosched.Task) error {
		if err := task.Sleep(30 * time.Millisecond); err != nil {
			return err
		}
		families, err := e.registry.Gather()
		if err != nil {
			return err
		}
		busy = gaugeValue(families, "cosched_pool_busy", "default")
		return nil
	}))

	r.InDelta(1, busy, 0)
	r.Less(time.Since(start), time.Second)
}

func gaugeValue(families []*dto.MetricFamily, name, pool string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "pool" && l.GetValue() == pool {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
