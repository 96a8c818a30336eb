// Package pipeline defines the external conversion pipeline contract
// consumed by the WorkerPool (spec.md §6). The pipeline itself — file
// parsing, asset translation, logic transpilation — is out of scope for
// this core; only the interface the worker pool calls through is defined
// here, plus a small reference implementation that the CLI's run command
// uses as its pipeline.
package pipeline

import (
	"context"

	"modconvert/internal/jobtypes"
)

// ProgressSink receives progress reports from a running pipeline, 0-100.
type ProgressSink interface {
	Report(percent int)
}

// ProgressFunc adapts a plain function to ProgressSink.
type ProgressFunc func(percent int)

// Report implements ProgressSink.
func (f ProgressFunc) Report(percent int) { f(percent) }

// Pipeline is the contract a conversion backend must satisfy. Run blocks
// until the job finishes, the context is cancelled, or the pipeline
// chooses to stop cooperatively on its own. A non-nil error may be a
// *Error, which carries its own kind and recoverability; any other error is
// classified by the worker pool from the context state (timed out or
// cancelled) or, failing that, as a non-recoverable Internal error.
type Pipeline interface {
	Run(ctx context.Context, job *jobtypes.Job, progress ProgressSink) (Result, error)
}

// Result is the opaque outcome of a successful run.
type Result struct {
	Data []byte
}

// Error is the structured error a pipeline returns for anything short of
// success. The worker pool passes Kind/Recoverable straight through to the
// job's terminal or retry decision (spec.md §4.3 "Failure classification").
type Error struct {
	Kind        jobtypes.ErrorKind
	Message     string
	Recoverable bool
}

func (e *Error) Error() string { return e.Message }

// Recoverable constructs a retryable PipelineError.
func Recoverable(message string) *Error {
	return &Error{Kind: jobtypes.KindPipelineError, Message: message, Recoverable: true}
}

// Terminal constructs a non-retryable PipelineError.
func Terminal(message string) *Error {
	return &Error{Kind: jobtypes.KindPipelineError, Message: message, Recoverable: false}
}
