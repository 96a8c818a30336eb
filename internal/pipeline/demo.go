package pipeline

import (
	"context"
	"time"

	"modconvert/internal/jobtypes"
)

// Demo is a reference Pipeline: a real (if trivial) implementation of the
// contract, which the CLI's run command uses as its pipeline. The package
// tests use their own fake pipelines, not Demo. It simulates the named stages a real conversion
// pipeline would report progress for, honoring cancellation between every
// stage the way spec.md §6 describes the cancel_signal contract.
type Demo struct {
	// StepDelay is how long each simulated stage takes. Zero runs as fast
	// as the scheduler allows.
	StepDelay time.Duration
}

var demoStages = []string{"parse", "translate-assets", "transpile-logic", "package"}

// Run implements Pipeline.
func (d Demo) Run(ctx context.Context, job *jobtypes.Job, progress ProgressSink) (Result, error) {
	step := 100 / len(demoStages)
	for i := range demoStages {
		select {
		case <-ctx.Done():
			return Result{}, &Error{Kind: jobtypes.KindCancelled, Message: ctx.Err().Error()}
		default:
		}
		if d.StepDelay > 0 {
			select {
			case <-time.After(d.StepDelay):
			case <-ctx.Done():
				return Result{}, &Error{Kind: jobtypes.KindCancelled, Message: ctx.Err().Error()}
			}
		}
		pct := step * (i + 1)
		if pct > 100 {
			pct = 100
		}
		progress.Report(pct)
	}
	return Result{Data: job.Payload}, nil
}
