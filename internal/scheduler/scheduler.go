// Package scheduler provides the single timer source the service uses for
// its dispatch tick, cleanup sweep, and per-job retry backoffs, replacing
// the ad-hoc time.Timer/time.Ticker loops a first pass at this core would
// otherwise scatter across the dispatch loop. Grounded on the teacher's use
// of github.com/go-co-op/gocron in main.go for its hourly maintenance job.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler wraps a gocron.Scheduler with the handful of recurring and
// one-shot jobs this core needs.
type Scheduler struct {
	inner *gocron.Scheduler
}

// New returns a Scheduler using UTC, matching the teacher's convention.
func New() *Scheduler {
	return &Scheduler{inner: gocron.NewScheduler(time.UTC)}
}

// EveryInterval runs fn repeatedly every d until the scheduler stops. Used
// for the dispatch tick and the cleanup sweep.
func (s *Scheduler) EveryInterval(d time.Duration, fn func()) error {
	_, err := s.inner.Every(d).Do(fn)
	return err
}

// After runs fn exactly once after d elapses. Used to schedule a job's
// retry once its backoff expires without spawning a bare goroutine+timer
// per retry.
func (s *Scheduler) After(d time.Duration, fn func()) error {
	_, err := s.inner.Every(d).LimitRunsTo(1).WaitForSchedule().Do(fn)
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.inner.StartAsync()
}

// Stop halts the scheduler and waits for the current run of any in-flight
// job to return.
func (s *Scheduler) Stop() {
	s.inner.Stop()
}
