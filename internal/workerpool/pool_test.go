package workerpool

import (
	"context"
	"testing"
	"time"

	"modconvert/internal/jobtypes"
	"modconvert/internal/pipeline"
)

type fakePipeline struct {
	run func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error)
}

func (f fakePipeline) Run(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
	return f.run(ctx, job, sink)
}

func testJob(id string, timeoutMS int64) *jobtypes.Job {
	return &jobtypes.Job{ID: id, Options: jobtypes.Options{TimeoutMS: timeoutMS}}
}

func TestSubmitDeliversSuccess(t *testing.T) {
	results := make(chan Outcome, 1)
	p := New(fakePipeline{run: func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
		sink.Report(100)
		return pipeline.Result{Data: []byte("ok")}, nil
	}}, 1, results)

	if !p.TryAcquire() {
		t.Fatal("expected a free slot")
	}
	if !p.Submit(testJob("j1", 0), func(string, int) {}) {
		t.Fatal("expected submit to succeed")
	}

	select {
	case o := <-results:
		if o.Err != nil || string(o.Result) != "ok" {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSubmitClassifiesTimeout(t *testing.T) {
	results := make(chan Outcome, 1)
	p := New(fakePipeline{run: func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	}}, 1, results)

	p.TryAcquire()
	p.Submit(testJob("j1", 10), func(string, int) {})

	select {
	case o := <-results:
		if o.Err == nil || o.Err.Kind != jobtypes.KindTimedOut {
			t.Fatalf("expected TimedOut, got %+v", o.Err)
		}
		if o.Err.Recoverable {
			t.Fatal("spec.md §7 classifies TimedOut as terminal, not recoverable")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestCancelSignalsRunningJob(t *testing.T) {
	results := make(chan Outcome, 1)
	started := make(chan struct{})
	p := New(fakePipeline{run: func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	}}, 1, results)

	p.TryAcquire()
	p.Submit(testJob("j1", 0), func(string, int) {})
	<-started

	if !p.Cancel("j1") {
		t.Fatal("expected cancel to find the running job")
	}
	select {
	case o := <-results:
		if o.Err == nil || o.Err.Kind != jobtypes.KindCancelled {
			t.Fatalf("expected Cancelled, got %+v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation outcome")
	}

	if p.Cancel("j1") {
		t.Fatal("expected cancel on a finished job to report false")
	}
}

func TestDrainWaitsForInFlightThenBlocksNewSubmits(t *testing.T) {
	results := make(chan Outcome, 1)
	release := make(chan struct{})
	p := New(fakePipeline{run: func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
		<-release
		return pipeline.Result{}, nil
	}}, 1, results)

	p.TryAcquire()
	p.Submit(testJob("j1", 0), func(string, int) {})

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-results
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if p.TryAcquire() {
		t.Fatal("expected a stopped pool to refuse new acquisitions")
	}
}

func TestPanicInPipelineIsClassifiedAsWorkerCrashed(t *testing.T) {
	results := make(chan Outcome, 1)
	p := New(fakePipeline{run: func(ctx context.Context, job *jobtypes.Job, sink pipeline.ProgressSink) (pipeline.Result, error) {
		panic("boom")
	}}, 1, results)

	p.TryAcquire()
	p.Submit(testJob("j1", 0), func(string, int) {})

	select {
	case o := <-results:
		if o.Err == nil || o.Err.Kind != jobtypes.KindWorkerCrashed {
			t.Fatalf("expected WorkerCrashed, got %+v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for crash outcome")
	}

	m := p.Metrics()
	if m.Poisoned != 1 {
		t.Fatalf("expected poisoned counter to increment, got %d", m.Poisoned)
	}
}
