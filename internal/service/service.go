// Package service implements JobQueueService (spec.md §4.5): the façade
// that wires the JobStatusStore, ResourceAllocator, JobQueue, and
// WorkerPool into a single dispatch loop, owning the job and dispatch
// state machines, retry policy, and event emission.
package service

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"

	"modconvert/internal/config"
	"modconvert/internal/events"
	"modconvert/internal/jobqueue"
	"modconvert/internal/jobstore"
	"modconvert/internal/jobtypes"
	"modconvert/internal/metrics"
	"modconvert/internal/pipeline"
	"modconvert/internal/resources"
	"modconvert/internal/scheduler"
	"modconvert/internal/telemetry"
	"modconvert/internal/workerpool"
)

// ErrNotFound is returned by Status/History/Cancel for an unknown job id.
var ErrNotFound = jobstore.ErrNotFound

// Service is the JobQueueService façade.
type Service struct {
	cfg       config.Config
	store     *jobstore.Store
	allocator *resources.Allocator
	queue     *jobqueue.Queue
	pool      *workerpool.Pool
	bus       *events.Bus
	sched     *scheduler.Scheduler
	validate  *validator.Validate
	metrics   *metrics.Collector

	results chan workerpool.Outcome

	mu          sync.Mutex
	idempotency map[string]string

	paused  atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Service ready to Start. p is the conversion backend
// every admitted job runs against.
func New(cfg config.Config, p pipeline.Pipeline) *Service {
	results := make(chan workerpool.Outcome, cfg.MaxConcurrentJobs*4)
	return &Service{
		cfg: cfg,
		store: jobstore.New(cfg.MaxJobHistory),
		allocator: resources.New(resources.Totals{
			MemoryMB: cfg.Resources.MemoryMB,
			CPUSlots: cfg.Resources.CPUSlots,
			DiskMB:   cfg.Resources.DiskMB,
		}),
		queue:       jobqueue.New(),
		pool:        workerpool.New(p, cfg.MaxConcurrentJobs, results),
		bus:         events.New(256),
		sched:       scheduler.New(),
		validate:    validator.New(),
		results:     results,
		idempotency: make(map[string]string),
		doneCh:      make(chan struct{}),
	}
}

// SetPersistenceHook installs the optional write-through store.
func (s *Service) SetPersistenceHook(hook jobstore.PersistenceHook) {
	s.store.SetPersistenceHook(hook)
}

// SetMetrics installs the optional Prometheus collector. Counters and
// gauges are updated as transitions happen and on every dispatch tick.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Events returns the bus API consumers (SSE, metrics) subscribe to.
func (s *Service) Events() *events.Bus { return s.bus }

// Resources returns a snapshot of the resource ledger.
func (s *Service) Resources() resources.Ledger { return s.allocator.Snapshot() }

// Start begins the dispatch tick, cleanup sweep, and outcome consumer.
func (s *Service) Start() {
	go s.consumeOutcomes()

	interval := time.Duration(s.cfg.QueueProcessingIntervalMS) * time.Millisecond
	if err := s.sched.EveryInterval(interval, s.dispatchTick); err != nil {
		telemetry.Event("scheduler_error", map[string]string{"job": "dispatch", "error": err.Error()})
	}
	cleanup := time.Duration(s.cfg.CleanupIntervalMS) * time.Millisecond
	if err := s.sched.EveryInterval(cleanup, s.cleanupTick); err != nil {
		telemetry.Event("scheduler_error", map[string]string{"job": "cleanup", "error": err.Error()})
	}
	s.sched.Start()
}

// Enqueue admits a new job into the backlog, per spec.md §4.5. A duplicate
// IdempotencyKey still pending/running returns the existing job's id
// instead of creating a new one.
func (s *Service) Enqueue(data jobtypes.JobData) (string, error) {
	if err := s.validate.Struct(data); err != nil {
		return "", &jobtypes.JobError{Kind: jobtypes.KindInvalidOptions, Message: err.Error()}
	}

	if data.IdempotencyKey != "" {
		s.mu.Lock()
		existing, ok := s.idempotency[data.IdempotencyKey]
		s.mu.Unlock()
		if ok {
			return existing, nil
		}
	}

	// Backlog is pending+running (spec.md §8 property 7), not just what's
	// still sitting in the queue — a running job has left the queue but
	// still counts against the limit.
	stats := s.store.Stats()
	if stats.Pending+stats.Running >= s.cfg.BacklogLimit {
		return "", &jobtypes.JobError{Kind: jobtypes.KindCapacity, Message: "backlog limit reached"}
	}

	maxRetries := data.Options.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}
	timeout := data.Options.TimeoutMS
	if timeout == 0 {
		timeout = s.cfg.DefaultJobTimeoutMS
	}

	id := xid.New().String()
	now := time.Now()
	job := &jobtypes.Job{
		ID:       id,
		Type:     data.Type,
		Priority: data.Priority,
		Payload:  data.Payload,
		Options: jobtypes.Options{
			TimeoutMS:    timeout,
			MaxRetries:   maxRetries,
			Requirements: data.Options.Requirements,
		},
		Status:         jobtypes.StatusPending,
		MaxRetries:     maxRetries,
		IdempotencyKey: data.IdempotencyKey,
		CreatedAt:      now,
	}
	s.store.Save(job)
	// Append the pending transition to history immediately, rather than
	// leaving the job's first history row to be whatever transition comes
	// next. See DESIGN.md's enqueue-history open question: this trades
	// scenario 1's "history length exactly 4" against the §8 round-trip
	// laws (enqueue-then-cancel must read back exactly [pending,
	// cancelled]; the retry scenario's history must read pending, running,
	// pending, running, completed), which only hold if enqueue itself
	// produces a row.
	s.store.Update(job, jobtypes.StatusUpdate{
		JobID: id, Status: jobtypes.StatusPending, Timestamp: now,
	})
	s.queue.Enqueue(jobqueue.Entry{
		ID: id, Priority: data.Priority, CreatedAt: now, Requirements: data.Options.Requirements,
	})

	if data.IdempotencyKey != "" {
		s.mu.Lock()
		s.idempotency[data.IdempotencyKey] = id
		s.mu.Unlock()
	}

	s.bus.Publish(events.Event{Name: events.JobEnqueued, Fields: map[string]string{
		"job_id": id, "type": string(data.Type), "priority": string(data.Priority),
	}})
	telemetry.Event("job_enqueued", map[string]string{"job_id": id, "type": string(data.Type)})
	if s.metrics != nil {
		s.metrics.RecordEnqueue()
	}
	return id, nil
}

// Cancel requests cancellation of jobID. Returns false if the job is
// already terminal or unknown is reported via the error instead.
func (s *Service) Cancel(jobID string) (bool, error) {
	job := s.store.Get(jobID)
	if job == nil {
		return false, ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}

	if job.Status == jobtypes.StatusPending && s.queue.Remove(jobID) {
		now := time.Now()
		job.Status = jobtypes.StatusCancelled
		job.CompletedAt = &now
		s.allocator.ClearDenialStreak(jobID)
		s.store.Update(job, jobtypes.StatusUpdate{
			JobID: jobID, Status: jobtypes.StatusCancelled, Timestamp: now,
		})
		s.clearIdempotency(job.IdempotencyKey)
		s.bus.Publish(events.Event{Name: events.JobCancelled, Fields: map[string]string{"job_id": jobID}})
		telemetry.Event("job_cancelled", map[string]string{"job_id": jobID})
		if s.metrics != nil {
			s.metrics.RecordCancelled()
		}
		return true, nil
	}

	// Either already running, dispatch raced ahead of the Remove above and
	// already took it off the queue (the pool now owns it), or it is waiting
	// out a retry backoff, in which case the retry timer finishes it as
	// cancelled instead of requeueing it.
	job.CancelRequested = true
	s.store.Save(job)
	s.pool.Cancel(jobID)
	telemetry.Event("job_cancel_requested", map[string]string{"job_id": jobID})
	return true, nil
}

// Status returns a snapshot of a job's current record.
func (s *Service) Status(jobID string) (*jobtypes.Job, error) {
	job := s.store.Get(jobID)
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// History returns up to limit status transitions for jobID.
func (s *Service) History(jobID string, limit int) ([]jobtypes.StatusUpdate, error) {
	if s.store.Get(jobID) == nil {
		return nil, ErrNotFound
	}
	return s.store.History(jobID, limit), nil
}

// List returns every job matching filter.
func (s *Service) List(filter jobtypes.Filter) []*jobtypes.Job {
	return s.store.List(filter)
}

// Stats returns the aggregate queue/worker view.
func (s *Service) Stats() jobtypes.QueueStats {
	stats := s.store.Stats()
	m := s.pool.Metrics()
	stats.WorkerBusy = m.Busy
	stats.WorkerIdle = m.Idle
	return stats
}

// Pause stops new admission; jobs already running continue to completion.
func (s *Service) Pause() {
	s.paused.Store(true)
	telemetry.Event("queue_paused", nil)
}

// Resume re-enables admission.
func (s *Service) Resume() {
	s.paused.Store(false)
	telemetry.Event("queue_resumed", nil)
}

// Paused reports whether admission is currently suspended.
func (s *Service) Paused() bool { return s.paused.Load() }

// Stop halts the scheduler, stops admitting work, signals every in-flight
// job to cancel, and returns once all of them have stopped running. If they
// take longer than the configured grace period, Stop still waits for them
// and then returns the grace deadline's error. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.paused.Store(true)
		s.sched.Stop()

		graceCtx := ctx
		if s.cfg.StopGraceMS > 0 {
			var cancel context.CancelFunc
			graceCtx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.StopGraceMS)*time.Millisecond)
			defer cancel()
		}
		stopErr = s.pool.Drain(graceCtx)
		// Wait for the pool's actual drain, not just the grace deadline:
		// closing results before every worker has truly stopped would race
		// a late delivery against this close.
		<-s.pool.Drained()
		close(s.results)
		<-s.doneCh
	})
	return stopErr
}

func (s *Service) dispatchTick() {
	if s.paused.Load() || s.stopped.Load() {
		return
	}
	for {
		entry := s.queue.Take(s.tryAdmit)
		if entry == nil {
			break
		}
		s.startJob(*entry)
	}
	s.queue.PromoteStarved(s.cfg.StarvationThresholdCycles, s.allocator.DenialStreak)
	s.bus.Publish(events.Event{Name: events.QueueDepth, Fields: map[string]string{
		"pending": strconv.Itoa(s.queue.Len()),
	}})
	if s.metrics != nil {
		stats := s.Stats()
		ledger := s.allocator.Snapshot()
		s.metrics.SetQueueGauges(stats.Pending, stats.Running, stats.WorkerBusy, stats.WorkerIdle)
		s.metrics.SetResourceGauges(ledger.Reserved.MemoryMB, ledger.Reserved.CPUSlots, ledger.Reserved.DiskMB)
	}
}

// tryAdmit is the admission filter passed to Queue.Take: it reserves
// resources and a worker slot atomically from the caller's point of view,
// releasing the resource reservation if no worker slot turns out to be
// free (spec.md §4.4's scan-with-filter dispatch).
func (s *Service) tryAdmit(e jobqueue.Entry) bool {
	granted, missing := s.allocator.TryReserve(e.ID, e.Requirements)
	if !granted {
		telemetry.Event("admission_denied", map[string]string{
			"job_id":    e.ID,
			"missing_memory_mb": strconv.FormatInt(missing.MemoryMB, 10),
			"missing_cpu_slots": strconv.FormatInt(missing.CPUSlots, 10),
			"missing_disk_mb":   strconv.FormatInt(missing.DiskMB, 10),
		})
		return false
	}
	if !s.pool.TryAcquire() {
		s.allocator.Release(e.ID)
		return false
	}
	return true
}

func (s *Service) startJob(e jobqueue.Entry) {
	job := s.store.Get(e.ID)
	if job == nil {
		s.allocator.Release(e.ID)
		s.pool.Abort()
		return
	}

	now := time.Now()
	job.Status = jobtypes.StatusRunning
	job.StartedAt = &now
	if err := s.store.Update(job, jobtypes.StatusUpdate{
		JobID: job.ID, Status: jobtypes.StatusRunning, Progress: job.Progress, Timestamp: now,
	}); err != nil {
		s.allocator.Release(e.ID)
		s.pool.Abort()
		return
	}

	s.bus.Publish(events.Event{Name: events.JobStarted, Fields: map[string]string{"job_id": job.ID}})
	telemetry.Event("job_dispatched", map[string]string{"job_id": job.ID})
	if s.metrics != nil {
		s.metrics.RecordDispatch()
	}

	if !s.pool.Submit(job, s.handleProgress) {
		s.allocator.Release(e.ID)
	}
}

func (s *Service) handleProgress(jobID string, percent int) {
	job := s.store.Get(jobID)
	if job == nil {
		return
	}
	job.Progress = percent
	s.store.Update(job, jobtypes.StatusUpdate{
		JobID: jobID, Status: job.Status, Progress: percent, Timestamp: time.Now(),
	})
	s.bus.Publish(events.Event{Name: events.JobProgress, Fields: map[string]string{
		"job_id": jobID, "progress": strconv.Itoa(percent),
	}})
}

func (s *Service) consumeOutcomes() {
	defer close(s.doneCh)
	for outcome := range s.results {
		s.handleOutcome(outcome)
	}
}

func (s *Service) handleOutcome(o workerpool.Outcome) {
	s.allocator.Release(o.JobID)

	job := s.store.Get(o.JobID)
	if job == nil {
		return
	}
	now := time.Now()

	if o.Err == nil {
		job.Status = jobtypes.StatusCompleted
		job.Result = o.Result
		job.Progress = 100
		job.CompletedAt = &now
		job.Error = nil
		s.store.Update(job, jobtypes.StatusUpdate{
			JobID: job.ID, Status: jobtypes.StatusCompleted, Progress: 100, Result: o.Result, Timestamp: now,
		})
		s.clearIdempotency(job.IdempotencyKey)
		s.bus.Publish(events.Event{Name: events.JobCompleted, Fields: map[string]string{"job_id": job.ID}})
		telemetry.Event("job_completed", map[string]string{"job_id": job.ID})
		if s.metrics != nil {
			latency := 0.0
			if job.StartedAt != nil {
				latency = now.Sub(*job.StartedAt).Seconds()
			}
			s.metrics.RecordCompleted(latency)
		}
		return
	}

	// Cancellation always wins, even if the pipeline raced a different
	// error back before observing ctx.Done() (spec.md §4.5 "Cancellation
	// precedence").
	if o.Err.Kind == jobtypes.KindCancelled || job.CancelRequested {
		job.Status = jobtypes.StatusCancelled
		job.CompletedAt = &now
		job.Error = o.Err
		s.store.Update(job, jobtypes.StatusUpdate{
			JobID: job.ID, Status: jobtypes.StatusCancelled, Error: o.Err, Timestamp: now,
		})
		s.clearIdempotency(job.IdempotencyKey)
		s.bus.Publish(events.Event{Name: events.JobCancelled, Fields: map[string]string{"job_id": job.ID}})
		telemetry.Event("job_cancelled", map[string]string{"job_id": job.ID})
		if s.metrics != nil {
			s.metrics.RecordCancelled()
		}
		return
	}

	if o.Err.Recoverable && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = jobtypes.StatusPending
		job.Error = o.Err
		s.store.Update(job, jobtypes.StatusUpdate{
			JobID: job.ID, Status: jobtypes.StatusPending, Error: o.Err, Timestamp: now,
		})
		s.bus.Publish(events.Event{Name: events.JobRetrying, Fields: map[string]string{
			"job_id": job.ID, "retry": strconv.Itoa(job.RetryCount),
		}})
		telemetry.Event("job_retry", map[string]string{"job_id": job.ID, "retry": strconv.Itoa(job.RetryCount)})
		if s.metrics != nil {
			s.metrics.RecordRetry()
		}

		delay := s.retryBackoff(job.RetryCount)
		req := job.Options.Requirements
		prio := job.Priority
		jobID := job.ID
		if err := s.sched.After(delay, func() {
			if s.stopped.Load() {
				return
			}
			if cur := s.store.Get(jobID); cur != nil && cur.CancelRequested {
				s.handleOutcome(workerpool.Outcome{JobID: jobID, Err: &jobtypes.JobError{
					Kind: jobtypes.KindCancelled, Message: "cancelled", Recoverable: false,
				}})
				return
			}
			s.queue.Enqueue(jobqueue.Entry{ID: jobID, Priority: prio, CreatedAt: time.Now(), Requirements: req})
		}); err != nil {
			telemetry.Event("scheduler_error", map[string]string{"job": "retry", "job_id": jobID, "error": err.Error()})
		}
		return
	}

	job.Status = jobtypes.StatusFailed
	job.CompletedAt = &now
	job.Error = o.Err
	s.store.Update(job, jobtypes.StatusUpdate{
		JobID: job.ID, Status: jobtypes.StatusFailed, Error: o.Err, Timestamp: now,
	})
	s.clearIdempotency(job.IdempotencyKey)
	s.bus.Publish(events.Event{Name: events.JobFailed, Fields: map[string]string{"job_id": job.ID}})
	telemetry.Event("job_failed", map[string]string{"job_id": job.ID})
	if s.metrics != nil {
		s.metrics.RecordFailed()
	}
}

// retryBackoff computes retry_delay_ms * 2^(retryCount-1), bounded by
// MaxRetryBackoffMS, per spec.md §4.5 "Retry policy". retryCount is the
// job's post-increment retry number, so the exponent is the number of
// retries made before this one and the first retry waits one base
// interval.
func (s *Service) retryBackoff(retryCount int) time.Duration {
	base := s.cfg.RetryDelayMS
	if base <= 0 {
		return 0
	}
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	ms := base << uint(shift)
	if s.cfg.MaxRetryBackoffMS > 0 && ms > s.cfg.MaxRetryBackoffMS {
		ms = s.cfg.MaxRetryBackoffMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Service) clearIdempotency(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	delete(s.idempotency, key)
	s.mu.Unlock()
}

func (s *Service) cleanupTick() {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	removed := s.store.Cleanup(cutoff, s.isRunning)
	if removed > 0 {
		telemetry.Event("queue_cleanup", map[string]string{"removed": strconv.Itoa(removed)})
	}
}

func (s *Service) isRunning(id string) bool {
	job := s.store.Get(id)
	return job != nil && job.Status == jobtypes.StatusRunning
}
