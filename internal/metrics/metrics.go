// Package metrics exposes Prometheus counters, gauges, and a histogram for
// the job orchestration core, grounded on ChuLiYu-raft-recovery's
// internal/metrics Collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every registered metric.
type Collector struct {
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsCancelled  prometheus.Counter

	jobLatency prometheus.Histogram

	jobsPending prometheus.Gauge
	jobsRunning prometheus.Gauge
	workerBusy  prometheus.Gauge
	workerIdle  prometheus.Gauge

	reservedMemoryMB prometheus.Gauge
	reservedCPUSlots prometheus.Gauge
	reservedDiskMB   prometheus.Gauge
}

// NewCollector builds and registers every metric against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_enqueued_total", Help: "Total jobs enqueued.",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_dispatched_total", Help: "Total jobs admitted and dispatched to a worker.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_completed_total", Help: "Total jobs completed successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_failed_total", Help: "Total jobs that reached a terminal failure.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_retried_total", Help: "Total retry attempts scheduled.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modconvert_jobs_cancelled_total", Help: "Total jobs cancelled.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "modconvert_job_latency_seconds", Help: "End-to-end job latency from start to completion.",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_jobs_pending", Help: "Jobs currently waiting for admission.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_jobs_running", Help: "Jobs currently running on a worker.",
		}),
		workerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_worker_busy", Help: "Worker slots currently occupied.",
		}),
		workerIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_worker_idle", Help: "Worker slots currently free.",
		}),
		reservedMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_reserved_memory_mb", Help: "Memory currently reserved by admitted jobs.",
		}),
		reservedCPUSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_reserved_cpu_slots", Help: "CPU slots currently reserved by admitted jobs.",
		}),
		reservedDiskMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modconvert_reserved_disk_mb", Help: "Disk currently reserved by admitted jobs.",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsFailed, c.jobsRetried, c.jobsCancelled,
		c.jobLatency, c.jobsPending, c.jobsRunning, c.workerBusy, c.workerIdle,
		c.reservedMemoryMB, c.reservedCPUSlots, c.reservedDiskMB,
	)
	return c
}

func (c *Collector) RecordEnqueue()    { c.jobsEnqueued.Inc() }
func (c *Collector) RecordDispatch()   { c.jobsDispatched.Inc() }
func (c *Collector) RecordRetry()      { c.jobsRetried.Inc() }
func (c *Collector) RecordCancelled()  { c.jobsCancelled.Inc() }

// RecordCompleted records a successful completion with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed records a terminal failure.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// SetQueueGauges updates the point-in-time gauges from a stats/ledger snapshot.
func (c *Collector) SetQueueGauges(pending, running, workerBusy, workerIdle int) {
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
	c.workerBusy.Set(float64(workerBusy))
	c.workerIdle.Set(float64(workerIdle))
}

// SetResourceGauges updates the reserved-resource gauges from a Ledger.
func (c *Collector) SetResourceGauges(memoryMB, cpuSlots, diskMB int64) {
	c.reservedMemoryMB.Set(float64(memoryMB))
	c.reservedCPUSlots.Set(float64(cpuSlots))
	c.reservedDiskMB.Set(float64(diskMB))
}
