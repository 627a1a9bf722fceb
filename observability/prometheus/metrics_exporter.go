// Package prometheus exports scheduler and I/O metrics to Prometheus.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/webriots/cosched"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts cosched.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskErrorsTotal     *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	jobDurationSeconds  *prom.HistogramVec
	poolCoroutines      *prom.GaugeVec
	poolBusy            *prom.GaugeVec
}

var _ cosched.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors. Collectors
// already registered under the same names are reused.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "cosched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task lifetime from first run to finish in seconds.",
		Buckets:   buckets,
	}, []string{"pool"})
	errorsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_errors_total",
		Help:      "Total number of tasks that failed or panicked.",
	}, []string{"pool"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of tasks rejected or dropped.",
	}, []string{"pool", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current pending queue depth.",
	}, []string{"pool"})
	jobVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "aio_job_duration_seconds",
		Help:      "Blocking call duration on worker threads in seconds.",
		Buckets:   buckets,
	}, []string{"command", "result"})
	coroutinesVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_coroutines",
		Help:      "Live coroutines per pool.",
	}, []string{"pool"})
	busyVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_busy",
		Help:      "Coroutines bound to a task per pool.",
	}, []string{"pool"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if errorsVec, err = registerCollector(reg, errorsVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if jobVec, err = registerCollector(reg, jobVec); err != nil {
		return nil, err
	}
	if coroutinesVec, err = registerCollector(reg, coroutinesVec); err != nil {
		return nil, err
	}
	if busyVec, err = registerCollector(reg, busyVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskErrorsTotal:     errorsVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		jobDurationSeconds:  jobVec,
		poolCoroutines:      coroutinesVec,
		poolBusy:            busyVec,
	}, nil
}

// RecordTaskDuration records how long a finished task lived.
func (m *MetricsExporter) RecordTaskDuration(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(pool, "unknown")).Observe(d.Seconds())
}

// RecordTaskError records a task failure delivered to the exception
// hook.
func (m *MetricsExporter) RecordTaskError(pool string) {
	if m == nil {
		return
	}
	m.taskErrorsTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

// RecordQueueDepth records the pending queue depth.
func (m *MetricsExporter) RecordQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records a rejected or dropped task.
func (m *MetricsExporter) RecordTaskRejected(pool string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordJob records one blocking call. It is called from worker
// threads.
func (m *MetricsExporter) RecordJob(command string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobDurationSeconds.WithLabelValues(normalizeLabel(command, "unknown"), resultLabel(err)).Observe(d.Seconds())
}

// ExportStats copies a scheduler snapshot into the pool gauges. Call
// it wherever Stats is taken, typically from a timer on the scheduler
// goroutine.
func (m *MetricsExporter) ExportStats(stats cosched.Stats) {
	if m == nil {
		return
	}
	for _, pool := range append([]cosched.PoolStats{stats.Default}, stats.Dedicated...) {
		name := normalizeLabel(pool.Name, "unknown")
		m.poolCoroutines.WithLabelValues(name).Set(float64(pool.Size))
		m.poolBusy.WithLabelValues(name).Set(float64(pool.Busy))
		m.queueDepth.WithLabelValues(name).Set(float64(pool.Pending))
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
