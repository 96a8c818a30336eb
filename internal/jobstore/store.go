// Package jobstore implements the JobStatusStore component (spec.md §4.1):
// the current-job-record table and its append-only status history, with an
// optional best-effort write-through persistence hook.
package jobstore

import (
	"errors"
	"sync"
	"time"

	"modconvert/internal/jobtypes"
	"modconvert/internal/telemetry"
)

// ErrNotFound is returned by Update when the job id is unknown.
// Update never implicitly creates a record.
var ErrNotFound = errors.New("jobstore: job not found")

// PersistenceHook is the optional write-through destination described in
// spec.md §6. Failures are logged and swallowed by the store — a slow or
// unreachable disk must never block dispatch.
type PersistenceHook interface {
	WriteJob(job *jobtypes.Job) error
	DeleteJob(id string) error
	AppendHistory(update jobtypes.StatusUpdate) error
}

type entry struct {
	mu      sync.Mutex
	job     *jobtypes.Job
	history []jobtypes.StatusUpdate
}

// Store is the in-memory JobStatusStore. Reads return a deep-enough
// snapshot that can never tear within a single call; writes to distinct
// job ids proceed independently, writes to the same id serialize on that
// job's own mutex.
type Store struct {
	maxHistory int
	hook       PersistenceHook

	mu   sync.RWMutex
	jobs map[string]*entry
}

// New returns an empty store. maxHistory bounds per-job history length
// (spec.md's max_job_history); zero or negative disables the bound.
func New(maxHistory int) *Store {
	return &Store{maxHistory: maxHistory, jobs: make(map[string]*entry)}
}

// SetPersistenceHook installs (or clears, with nil) the write-through hook.
func (s *Store) SetPersistenceHook(hook PersistenceHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Save creates or replaces the current record for job.ID, keeping any
// history already appended for it and appending none. Save is how a
// freshly enqueued job becomes observable; it never fails at the in-memory
// tier (spec.md §4.1 "Failure semantics").
func (s *Store) Save(job *jobtypes.Job) {
	cp := job.Clone()

	s.mu.Lock()
	if e, ok := s.jobs[job.ID]; ok {
		e.mu.Lock()
		e.job = cp
		e.mu.Unlock()
	} else {
		s.jobs[job.ID] = &entry{job: cp}
	}
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook.WriteJob(cp); err != nil {
			telemetry.Event("jobstore_persist_error", map[string]string{
				"job_id": job.ID, "op": "write", "error": err.Error(),
			})
		}
	}
}

// Update replaces the job record and appends exactly one history entry,
// atomically with respect to other readers/writers of the same job id.
// Returns ErrNotFound if no prior Save established the record.
func (s *Store) Update(job *jobtypes.Job, update jobtypes.StatusUpdate) error {
	s.mu.RLock()
	e, ok := s.jobs[job.ID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	cp := job.Clone()
	e.mu.Lock()
	e.job = cp
	e.history = append(e.history, update)
	if s.maxHistory > 0 && len(e.history) > s.maxHistory {
		e.history = append([]jobtypes.StatusUpdate(nil), e.history[len(e.history)-s.maxHistory:]...)
	}
	e.mu.Unlock()

	s.mu.RLock()
	hook := s.hook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook.WriteJob(cp); err != nil {
			telemetry.Event("jobstore_persist_error", map[string]string{
				"job_id": job.ID, "op": "write", "error": err.Error(),
			})
		}
		if err := hook.AppendHistory(update); err != nil {
			telemetry.Event("jobstore_persist_error", map[string]string{
				"job_id": job.ID, "op": "append_history", "error": err.Error(),
			})
		}
	}
	return nil
}

// Get returns a snapshot of the job, or nil if unknown.
func (s *Store) Get(id string) *jobtypes.Job {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// Delete removes a job and its history. Returns false if unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	hook := s.hook
	s.mu.Unlock()
	if !ok {
		return false
	}
	if hook != nil {
		if err := hook.DeleteJob(id); err != nil {
			telemetry.Event("jobstore_persist_error", map[string]string{
				"job_id": id, "op": "delete", "error": err.Error(),
			})
		}
	}
	return true
}

// List returns snapshots of every job matching filter.
func (s *Store) List(filter jobtypes.Filter) []*jobtypes.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*jobtypes.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()
		if filter.Match(job) {
			out = append(out, job.Clone())
		}
	}
	return out
}

// History returns up to limit most-recent status updates for jobID, or
// across all jobs (ordered per-job, undefined across jobs) if jobID is
// empty. limit <= 0 means unbounded.
func (s *Store) History(jobID string, limit int) []jobtypes.StatusUpdate {
	if jobID != "" {
		s.mu.RLock()
		e, ok := s.jobs[jobID]
		s.mu.RUnlock()
		if !ok {
			return nil
		}
		e.mu.Lock()
		hist := append([]jobtypes.StatusUpdate(nil), e.history...)
		e.mu.Unlock()
		return capHistory(hist, limit)
	}

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var all []jobtypes.StatusUpdate
	for _, e := range entries {
		e.mu.Lock()
		all = append(all, e.history...)
		e.mu.Unlock()
	}
	return capHistory(all, limit)
}

func capHistory(hist []jobtypes.StatusUpdate, limit int) []jobtypes.StatusUpdate {
	if limit > 0 && len(hist) > limit {
		return hist[len(hist)-limit:]
	}
	return hist
}

// Stats computes the aggregate counts used by JobQueueService.Stats.
func (s *Store) Stats() jobtypes.QueueStats {
	jobs := s.List(jobtypes.Filter{})
	var stats jobtypes.QueueStats
	var totalLatency time.Duration
	var completedCount int64
	for _, j := range jobs {
		switch j.Status {
		case jobtypes.StatusPending:
			stats.Pending++
		case jobtypes.StatusRunning:
			stats.Running++
		case jobtypes.StatusCompleted:
			stats.Completed++
			if j.StartedAt != nil && j.CompletedAt != nil {
				totalLatency += j.CompletedAt.Sub(*j.StartedAt)
				completedCount++
			}
		case jobtypes.StatusFailed:
			stats.Failed++
		case jobtypes.StatusCancelled:
			stats.Cancelled++
		}
		stats.TotalEnqueued++
		stats.TotalRetries += int64(j.RetryCount)
	}
	if completedCount > 0 {
		stats.AvgLatency = totalLatency / time.Duration(completedCount)
	}
	return stats
}

// Cleanup deletes terminal-state jobs whose CreatedAt predates olderThan,
// together with their history. It does not trim the history of jobs it
// keeps; per-job history is already capped at maxHistory by Update.
// isRunning reports whether a job id is currently owned
// by a live worker — cleanup must never remove it even if the stored
// status has not yet caught up (spec.md §4.1 "Cleanup").
func (s *Store) Cleanup(olderThan time.Time, isRunning func(id string) bool) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		s.mu.RLock()
		e, ok := s.jobs[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()

		if !job.Status.Terminal() {
			continue
		}
		if isRunning != nil && isRunning(id) {
			continue
		}
		if job.CreatedAt.After(olderThan) {
			continue
		}
		if s.Delete(id) {
			removed++
		}
	}
	return removed
}
