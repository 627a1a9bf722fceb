package cosched

import "time"

// Metrics receives runtime measurements. Implementations must be safe
// for concurrent use: RecordJob is called from worker threads.
type Metrics interface {
	RecordTaskDuration(pool string, d time.Duration)
	RecordTaskError(pool string)
	RecordQueueDepth(pool string, depth int)
	RecordTaskRejected(pool string, reason string)
	RecordJob(command string, d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordTaskDuration(string, time.Duration) {}
func (nopMetrics) RecordTaskError(string)                   {}
func (nopMetrics) RecordQueueDepth(string, int)             {}
func (nopMetrics) RecordTaskRejected(string, string)        {}
func (nopMetrics) RecordJob(string, time.Duration, error)   {}
