// Package jobtypes defines the domain model shared by every component of
// the job orchestration core: the Job record, its status history, resource
// requirements, and the error taxonomy workers and the dispatch loop use to
// classify failures.
package jobtypes

import "time"

// Type tags a job with the kind of work it carries. The core never
// introspects payloads beyond this tag.
type Type string

const (
	TypeConversion Type = "conversion"
	TypeValidation Type = "validation"
	TypeAnalysis   Type = "analysis"
	TypePackaging  Type = "packaging"
)

// Priority maps to an integer weight used for queue ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the integer ordering weight for a priority, per spec.md §3.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// Promote returns the next priority tier up, used by the allocator's
// starvation-avoidance promotion. Urgent jobs stay urgent.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh, PriorityUrgent:
		return PriorityUrgent
	default:
		return p
	}
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ResourceRequirements is the multi-dimensional resource footprint a job
// needs in order to be admitted by the ResourceAllocator.
type ResourceRequirements struct {
	MemoryMB int64 `json:"memory_mb" yaml:"memory_mb"`
	CPUSlots int64 `json:"cpu_slots" yaml:"cpu_slots"`
	DiskMB   int64 `json:"disk_mb" yaml:"disk_mb"`
}

// Options carries the per-job knobs a caller may set at enqueue time.
type Options struct {
	TimeoutMS    int64                `json:"timeout_ms" validate:"omitempty,min=1"`
	MaxRetries   int                  `json:"max_retries" validate:"omitempty,min=0,max=20"`
	Requirements ResourceRequirements `json:"resource_requirements"`
}

// ErrorKind classifies a job's terminal or retryable failure, per spec.md §7.
type ErrorKind string

const (
	KindInvalidOptions   ErrorKind = "InvalidOptions"
	KindCapacity         ErrorKind = "Capacity"
	KindNotFound         ErrorKind = "NotFound"
	KindTimedOut         ErrorKind = "TimedOut"
	KindCancelled        ErrorKind = "Cancelled"
	KindPipelineError    ErrorKind = "PipelineError"
	KindWorkerCrashed    ErrorKind = "WorkerCrashed"
	KindInternal         ErrorKind = "Internal"
)

// JobError is the structured error attached to a Job on failure.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// JobData is the caller-supplied payload for JobQueueService.Enqueue.
type JobData struct {
	Type           Type    `json:"type" validate:"required,oneof=conversion validation analysis packaging"`
	Priority       Priority `json:"priority" validate:"required,oneof=low normal high urgent"`
	Payload        []byte  `json:"payload"`
	Options        Options `json:"options"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Job is the durable unit of work tracked by the JobStatusStore.
type Job struct {
	ID             string   `json:"id"`
	Type           Type     `json:"type"`
	Priority       Priority `json:"priority"`
	Payload        []byte   `json:"payload"`
	Options        Options  `json:"options"`
	Status         Status   `json:"status"`
	Progress       int      `json:"progress"`
	RetryCount     int      `json:"retry_count"`
	MaxRetries     int      `json:"max_retries"`
	CancelRequested bool    `json:"cancel_requested"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result []byte    `json:"result,omitempty"`
	Error  *JobError `json:"error,omitempty"`
}

// Clone returns a deep-enough copy of the job for safe return-by-value to
// callers outside the store's lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}

// StatusUpdate is one append-only history row.
type StatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Error     *JobError `json:"error,omitempty"`
	Result    []byte    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows JobStatusStore.List results.
type Filter struct {
	Status *Status
	Type   *Type
}

// Match reports whether job satisfies the filter.
func (f Filter) Match(j *Job) bool {
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	if f.Type != nil && j.Type != *f.Type {
		return false
	}
	return true
}

// QueueStats is the aggregate view returned by stats().
type QueueStats struct {
	Pending          int           `json:"pending"`
	Running          int           `json:"running"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	Cancelled        int           `json:"cancelled"`
	TotalEnqueued    int64         `json:"total_enqueued"`
	TotalRetries     int64         `json:"total_retries"`
	AvgLatency       time.Duration `json:"avg_latency"`
	WorkerBusy       int           `json:"worker_busy"`
	WorkerIdle       int           `json:"worker_idle"`
}
