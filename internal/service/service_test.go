package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modconvert/internal/config"
	"modconvert/internal/jobtypes"
	"modconvert/internal/pipeline"
)

// scriptedPipeline lets each test drive exactly how a job's run behaves,
// keyed by job type so a single Service can host several scenarios.
type scriptedPipeline struct {
	mu    sync.Mutex
	calls map[jobtypes.Type]int
	run   func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error)
}

func (p *scriptedPipeline) Run(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[jobtypes.Type]int)
	}
	p.calls[job.Type]++
	p.mu.Unlock()
	return p.run(ctx, job)
}

func (p *scriptedPipeline) callCount(t jobtypes.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[t]
}

func testConfig(concurrency int) config.Config {
	cfg := config.Default()
	cfg.MaxConcurrentJobs = concurrency
	cfg.QueueProcessingIntervalMS = 10
	cfg.CleanupIntervalMS = 3_600_000
	cfg.RetryDelayMS = 20
	cfg.MaxRetryBackoffMS = 200
	cfg.StopGraceMS = 2_000
	cfg.Resources = config.ResourceTotals{MemoryMB: 4096, CPUSlots: 4, DiskMB: 4096}
	return cfg
}

func waitForStatus(t *testing.T, svc *Service, id string, want jobtypes.Status) *jobtypes.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Status(id)
		if err != nil {
			t.Fatalf("status(%s): %v", id, err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestHappyPathTwoJobsFullRelease(t *testing.T) {
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		return pipeline.Result{Data: []byte("done")}, nil
	}}
	svc := New(testConfig(2), pl)
	svc.Start()
	defer svc.Stop(context.Background())

	idA, err := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	idB, err := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeValidation, Priority: jobtypes.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	waitForStatus(t, svc, idA, jobtypes.StatusCompleted)
	waitForStatus(t, svc, idB, jobtypes.StatusCompleted)

	// Enqueue itself appends the pending transition (see DESIGN.md's
	// enqueue-history open question), so a full run is
	// [pending, running, completed] rather than spec.md scenario 1's
	// literal "two transitions per job" — that reading conflicts with the
	// §8 round-trip laws for cancel and retry, which this core favors.
	hist, _ := svc.History(idA, 0)
	wantHist := []jobtypes.Status{jobtypes.StatusPending, jobtypes.StatusRunning, jobtypes.StatusCompleted}
	if len(hist) != len(wantHist) {
		t.Fatalf("expected history %v, got %d entries: %+v", wantHist, len(hist), hist)
	}
	for i, want := range wantHist {
		if hist[i].Status != want {
			t.Fatalf("history[%d]: got %s, want %s (full: %+v)", i, hist[i].Status, want, hist)
		}
	}

	ledger := svc.Resources()
	if ledger.Reserved.MemoryMB != 0 || ledger.Reserved.CPUSlots != 0 || ledger.Reserved.DiskMB != 0 {
		t.Fatalf("expected full resource release after completion, got %+v", ledger.Reserved)
	}
}

func TestResourceGatedQueueingBlocksUntilRelease(t *testing.T) {
	release := make(chan struct{})
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		if job.Type == jobtypes.TypeConversion {
			<-release
		}
		return pipeline.Result{}, nil
	}}
	cfg := testConfig(2)
	cfg.Resources = config.ResourceTotals{MemoryMB: 2048, CPUSlots: 4, DiskMB: 4096}
	svc := New(cfg, pl)
	svc.Start()
	defer svc.Stop(context.Background())

	idA, _ := svc.Enqueue(jobtypes.JobData{
		Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal,
		Options: jobtypes.Options{Requirements: jobtypes.ResourceRequirements{MemoryMB: 2000}},
	})
	waitForStatus(t, svc, idA, jobtypes.StatusRunning)

	idB, _ := svc.Enqueue(jobtypes.JobData{
		Type: jobtypes.TypeValidation, Priority: jobtypes.PriorityNormal,
		Options: jobtypes.Options{Requirements: jobtypes.ResourceRequirements{MemoryMB: 1500}},
	})

	time.Sleep(100 * time.Millisecond)
	jobB, err := svc.Status(idB)
	if err != nil {
		t.Fatalf("status b: %v", err)
	}
	if jobB.Status != jobtypes.StatusPending {
		t.Fatalf("expected job B to stay pending while A holds 2000mb of a 2048mb budget, got %s", jobB.Status)
	}

	close(release)
	waitForStatus(t, svc, idA, jobtypes.StatusCompleted)
	waitForStatus(t, svc, idB, jobtypes.StatusCompleted)
}

func TestUrgentJumpsAheadOfLowWhenSlotFrees(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		if job.Type == jobtypes.TypeConversion {
			<-release
		} else {
			mu.Lock()
			order = append(order, string(job.Priority))
			mu.Unlock()
		}
		return pipeline.Result{}, nil
	}}
	svc := New(testConfig(1), pl)
	svc.Start()
	defer svc.Stop(context.Background())

	holder, _ := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal})
	waitForStatus(t, svc, holder, jobtypes.StatusRunning)

	low, _ := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeValidation, Priority: jobtypes.PriorityLow})
	time.Sleep(30 * time.Millisecond)
	urgent, _ := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeValidation, Priority: jobtypes.PriorityUrgent})

	close(release)
	waitForStatus(t, svc, holder, jobtypes.StatusCompleted)
	waitForStatus(t, svc, low, jobtypes.StatusCompleted)
	waitForStatus(t, svc, urgent, jobtypes.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != string(jobtypes.PriorityUrgent) {
		t.Fatalf("expected urgent to be dispatched ahead of the already-queued low job, got %v", order)
	}
}

func TestRetryOnRecoverableFailureThenSucceeds(t *testing.T) {
	var attempts int32
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return pipeline.Result{}, pipeline.Recoverable("transient backend hiccup")
		}
		return pipeline.Result{Data: []byte("ok")}, nil
	}}
	cfg := testConfig(1)
	svc := New(cfg, pl)
	svc.Start()
	defer svc.Stop(context.Background())

	id, err := svc.Enqueue(jobtypes.JobData{
		Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal,
		Options: jobtypes.Options{MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, svc, id, jobtypes.StatusCompleted)
	if job.RetryCount != 1 {
		t.Fatalf("expected exactly one retry, got %d", job.RetryCount)
	}

	hist, _ := svc.History(id, 0)
	wantStatuses := []jobtypes.Status{
		jobtypes.StatusPending, jobtypes.StatusRunning, jobtypes.StatusPending,
		jobtypes.StatusRunning, jobtypes.StatusCompleted,
	}
	if len(hist) != len(wantStatuses) {
		t.Fatalf("expected history %v, got %d entries: %+v", wantStatuses, len(hist), hist)
	}
	for i, want := range wantStatuses {
		if hist[i].Status != want {
			t.Fatalf("history[%d]: got %s, want %s (full: %+v)", i, hist[i].Status, want, hist)
		}
	}
}

func TestCancelWhileRunningReleasesLedgerAndIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	}}
	svc := New(testConfig(1), pl)
	svc.Start()
	defer svc.Stop(context.Background())

	id, err := svc.Enqueue(jobtypes.JobData{
		Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal,
		Options: jobtypes.Options{Requirements: jobtypes.ResourceRequirements{MemoryMB: 512}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	ok, err := svc.Cancel(id)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, got ok=%v err=%v", ok, err)
	}
	waitForStatus(t, svc, id, jobtypes.StatusCancelled)

	ledger := svc.Resources()
	if ledger.Reserved.MemoryMB != 0 {
		t.Fatalf("expected the cancelled job's reservation to be released, got %+v", ledger.Reserved)
	}

	ok2, err := svc.Cancel(id)
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if ok2 {
		t.Fatal("expected the second cancel on an already-terminal job to report false")
	}
}

func TestStopDrainsRunningJobsAndLeavesPendingAlone(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pl := &scriptedPipeline{run: func(ctx context.Context, job *jobtypes.Job) (pipeline.Result, error) {
		if job.Type == jobtypes.TypeConversion {
			close(started)
			<-release
		}
		return pipeline.Result{Data: []byte("ok")}, nil
	}}
	svc := New(testConfig(1), pl)
	svc.Start()

	running, _ := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeConversion, Priority: jobtypes.PriorityNormal})
	<-started
	pending, _ := svc.Enqueue(jobtypes.JobData{Type: jobtypes.TypeValidation, Priority: jobtypes.PriorityNormal})

	stopped := make(chan error, 1)
	go func() {
		close(release)
		stopped <- svc.Stop(context.Background())
	}()

	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitForStatus(t, svc, running, jobtypes.StatusCompleted)
	job, err := svc.Status(pending)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != jobtypes.StatusPending {
		t.Fatalf("expected the never-dispatched job to remain pending after shutdown, got %s", job.Status)
	}

	ledger := svc.Resources()
	if ledger.Reserved.MemoryMB != 0 || ledger.Reserved.CPUSlots != 0 {
		t.Fatalf("expected no resource leak after graceful shutdown, got %+v", ledger.Reserved)
	}
}
