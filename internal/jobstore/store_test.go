package jobstore

import (
	"errors"
	"testing"
	"time"

	"modconvert/internal/jobtypes"
)

func newJob(id string) *jobtypes.Job {
	return &jobtypes.Job{ID: id, Status: jobtypes.StatusPending, CreatedAt: time.Now()}
}

func TestUpdateWithoutSaveFailsNotFound(t *testing.T) {
	s := New(0)
	err := s.Update(newJob("missing"), jobtypes.StatusUpdate{JobID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	s := New(0)
	j := newJob("a")
	j.Payload = []byte("hello")
	s.Save(j)

	got := s.Get("a")
	if got == nil || string(got.Payload) != "hello" {
		t.Fatalf("expected round-tripped payload, got %+v", got)
	}

	// Mutating the caller's copy must not affect the stored snapshot.
	j.Payload[0] = 'X'
	got2 := s.Get("a")
	if string(got2.Payload) != "hello" {
		t.Fatalf("store leaked a reference to the caller's slice: %q", got2.Payload)
	}
}

func TestUpdateAppendsExactlyOneHistoryEntry(t *testing.T) {
	s := New(0)
	j := newJob("a")
	s.Save(j)

	j.Status = jobtypes.StatusRunning
	if err := s.Update(j, jobtypes.StatusUpdate{JobID: "a", Status: jobtypes.StatusRunning, Timestamp: time.Now()}); err != nil {
		t.Fatalf("update: %v", err)
	}
	hist := s.History("a", 0)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry after one transition, got %d", len(hist))
	}
	if s.Get("a").Status != jobtypes.StatusRunning {
		t.Fatalf("expected status to observe the update")
	}
}

func TestHistoryBoundedByMaxHistory(t *testing.T) {
	s := New(2)
	j := newJob("a")
	s.Save(j)
	for i := 0; i < 5; i++ {
		s.Update(j, jobtypes.StatusUpdate{JobID: "a", Timestamp: time.Now()})
	}
	hist := s.History("a", 0)
	if len(hist) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(hist))
	}
}

func TestListFiltersByStatusAndType(t *testing.T) {
	s := New(0)
	a := newJob("a")
	a.Type = jobtypes.TypeConversion
	a.Status = jobtypes.StatusPending
	s.Save(a)

	b := newJob("b")
	b.Type = jobtypes.TypeValidation
	b.Status = jobtypes.StatusRunning
	s.Save(b)

	pending := jobtypes.StatusPending
	got := s.List(jobtypes.Filter{Status: &pending})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only job a, got %+v", got)
	}
}

func TestCleanupSkipsRunningJobsAndRecentJobs(t *testing.T) {
	s := New(0)
	old := newJob("old-done")
	old.Status = jobtypes.StatusCompleted
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	s.Save(old)

	oldRunning := newJob("old-running")
	oldRunning.Status = jobtypes.StatusRunning
	oldRunning.CreatedAt = time.Now().Add(-48 * time.Hour)
	s.Save(oldRunning)

	recent := newJob("recent-done")
	recent.Status = jobtypes.StatusCompleted
	recent.CreatedAt = time.Now()
	s.Save(recent)

	isRunning := func(id string) bool { return id == "old-running" }
	removed := s.Cleanup(time.Now().Add(-24*time.Hour), isRunning)
	if removed != 1 {
		t.Fatalf("expected exactly 1 job removed, got %d", removed)
	}
	if s.Get("old-done") != nil {
		t.Fatal("expected the old terminal job to be gone")
	}
	if s.Get("old-running") == nil {
		t.Fatal("cleanup must never remove a job a live worker still owns")
	}
	if s.Get("recent-done") == nil {
		t.Fatal("cleanup must not remove jobs inside the retention window")
	}
}

type fakeHook struct {
	writes  []string
	deletes []string
	hist    int
	failAll bool
}

func (f *fakeHook) WriteJob(job *jobtypes.Job) error {
	if f.failAll {
		return errors.New("disk unavailable")
	}
	f.writes = append(f.writes, job.ID)
	return nil
}
func (f *fakeHook) DeleteJob(id string) error {
	f.deletes = append(f.deletes, id)
	return nil
}
func (f *fakeHook) AppendHistory(update jobtypes.StatusUpdate) error {
	f.hist++
	return nil
}

func TestPersistenceHookFailuresNeverPropagate(t *testing.T) {
	s := New(0)
	hook := &fakeHook{failAll: true}
	s.SetPersistenceHook(hook)

	j := newJob("a")
	s.Save(j) // must not panic or block despite the hook failing

	if err := s.Update(j, jobtypes.StatusUpdate{JobID: "a"}); err != nil {
		t.Fatalf("update must succeed at the in-memory tier even when the hook errors: %v", err)
	}
	if s.Get("a") == nil {
		t.Fatal("expected the in-memory record to exist regardless of hook failures")
	}
}
