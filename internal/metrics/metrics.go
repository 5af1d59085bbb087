// Package metrics tracks in-process counters for a queue: how many jobs
// were saved, how they resolved, how many stalled jobs were recovered, and
// how many workers are currently busy. There is no external exporter here —
// Snapshot is meant to be logged or served from a status endpoint the host
// application wires up itself.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks counters for one queue instance.
type Collector struct {
	jobsSaved     atomic.Int64
	jobsSucceeded atomic.Int64
	jobsRetried   atomic.Int64
	jobsFailed    atomic.Int64
	stallRecovers atomic.Int64

	mu            sync.RWMutex
	activeWorkers int64
	totalWorkers  int64
	startTime     time.Time
}

// Snapshot is a point-in-time read of a Collector's counters.
type Snapshot struct {
	JobsSaved         int64         `json:"jobs_saved"`
	JobsSucceeded     int64         `json:"jobs_succeeded"`
	JobsRetried       int64         `json:"jobs_retried"`
	JobsFailed        int64         `json:"jobs_failed"`
	StalledRecovered  int64         `json:"stalled_recovered"`
	WorkerUtilization float64       `json:"worker_utilization"`
	Uptime            time.Duration `json:"uptime"`
}

// NewCollector returns a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordJobSaved increments the saved-job counter.
func (c *Collector) RecordJobSaved() { c.jobsSaved.Add(1) }

// RecordJobSucceeded increments the succeeded-job counter.
func (c *Collector) RecordJobSucceeded() { c.jobsSucceeded.Add(1) }

// RecordJobRetried increments the retried-job counter.
func (c *Collector) RecordJobRetried() { c.jobsRetried.Add(1) }

// RecordJobFailed increments the failed-job counter.
func (c *Collector) RecordJobFailed() { c.jobsFailed.Add(1) }

// RecordStallRecovered adds n to the stalled-and-recovered counter, n being
// the count a single stall sweep just rescued.
func (c *Collector) RecordStallRecovered(n int) {
	c.stallRecovers.Add(int64(n))
}

// RecordWorkerActivity updates the active/total worker gauge.
func (c *Collector) RecordWorkerActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = active
	c.totalWorkers = total
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	active, total := c.activeWorkers, c.totalWorkers
	c.mu.RUnlock()

	var utilization float64
	if total > 0 {
		utilization = float64(active) / float64(total) * 100
	}

	return Snapshot{
		JobsSaved:         c.jobsSaved.Load(),
		JobsSucceeded:     c.jobsSucceeded.Load(),
		JobsRetried:       c.jobsRetried.Load(),
		JobsFailed:        c.jobsFailed.Load(),
		StalledRecovered:  c.stallRecovers.Load(),
		WorkerUtilization: utilization,
		Uptime:            time.Since(c.startTime),
	}
}

// Reset clears all counters, mostly useful in tests.
func (c *Collector) Reset() {
	c.jobsSaved.Store(0)
	c.jobsSucceeded.Store(0)
	c.jobsRetried.Store(0)
	c.jobsFailed.Store(0)
	c.stallRecovers.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = 0
	c.totalWorkers = 0
	c.startTime = time.Now()
}
