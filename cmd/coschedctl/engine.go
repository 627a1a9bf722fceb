package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/aio"
	cosprom "github.com/webriots/cosched/observability/prometheus"
)

const (
	shutdownTimeout = 5 * time.Second
	statsInterval   = time.Second
)

// engine is one scheduler with its I/O pool, built per command.
type engine struct {
	cfg      cosched.Config
	logger   *slog.Logger
	sched    *cosched.Scheduler
	io       *aio.AIO
	exporter *cosprom.MetricsExporter
	registry *prom.Registry

	// statsEvery is how often pool gauges are refreshed while running.
	statsEvery time.Duration
}

func loadConfig(c *cli.Context) (cosched.Config, error) {
	path := c.String("config")
	if path == "" {
		return cosched.DefaultConfig(), nil
	}
	return cosched.LoadConfig(path)
}

func newLogger(c *cli.Context) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func newEngine(c *cli.Context) (*engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}
	return buildEngine(cfg, logger)
}

func buildEngine(cfg cosched.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logger: logger, registry: prom.NewRegistry(), statsEvery: statsInterval}
	var err error
	if e.exporter, err = cosprom.NewMetricsExporter("cosched", e.registry, cosprom.ExporterOptions{}); err != nil {
		return nil, err
	}

	e.sched, err = cosched.New(cfg,
		cosched.WithLogger(logger),
		cosched.WithMetrics(e.exporter),
		cosched.WithExceptionHandler(func(t *cosched.Task, err error) {
			logger.Debug("task failed", "task", t.Name(), "err", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if e.io, err = aio.New(e.sched, cfg.AIO); err != nil {
		_ = e.sched.Close()
		return nil, err
	}
	return e, nil
}

// run schedules body as the root task, drives the event loop until it
// goes idle, and tears everything down.
func (e *engine) run(ctx context.Context, name string, body cosched.TaskFunc) (err error) {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, e.io.Shutdown(sctx), e.sched.Close())
	}()

	stopStats := e.exportStats()
	defer stopStats()

	task := cosched.NewTask(body,
		cosched.WithName(name),
		cosched.WithContext(ctx),
		cosched.WithHook(func(*cosched.Task) { stopStats() }),
	)
	if err := e.sched.Schedule(task); err != nil {
		return err
	}
	if err := e.sched.EventLoop(ctx); err != nil {
		return err
	}

	stats := e.io.Stats()
	e.logger.Debug("done",
		"jobs", stats.Submitted,
		"swaps", stats.Completions.Swaps,
		"discarded", stats.Completions.Discarded,
	)

	if task.State() != cosched.TaskFinished {
		return fmt.Errorf("%s: task did not finish", name)
	}
	return task.Err()
}

// exportStats refreshes the pool gauges now and every statsEvery on
// the event loop until the returned func is called. The pending timer
// keeps the loop awake, so the func must run once the work is done.
func (e *engine) exportStats() func() {
	var (
		cancel  func()
		stopped bool
	)
	var tick func()
	tick = func() {
		e.exporter.ExportStats(e.sched.Stats())
		if stopped {
			return
		}
		c, err := e.sched.After(e.statsEvery, tick)
		if err != nil {
			e.logger.Warn("stats timer", "err", err)
			return
		}
		cancel = c
	}
	tick()

	return func() {
		if stopped {
			return
		}
		stopped = true
		if cancel != nil {
			cancel()
		}
		e.exporter.ExportStats(e.sched.Stats())
	}
}

// serveMetrics exposes the registry until the returned func is called.
func (e *engine) serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	return func() { _ = srv.Close() }
}
