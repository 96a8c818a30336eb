// Package events implements the in-process event publication mechanism
// described by spec.md §9's Design Note: a non-blocking, bounded fan-out
// replacing a blocking callback emitter, so one slow observer can never
// stall the dispatch loop.
package events

import "sync"

// Event is published whenever a job changes state or the queue's shape
// changes. Name is one of the constants below; Fields carries event-specific
// detail (job_id, status, etc.) as plain strings, mirroring the teacher's
// telemetry.Event field shape so log sinks and subscribers can share code.
type Event struct {
	Name   string
	Fields map[string]string
}

// Event name constants, spec.md §9.
const (
	JobEnqueued  = "job_enqueued"
	JobStarted   = "job_started"
	JobProgress  = "job_progress"
	JobCompleted = "job_completed"
	JobFailed    = "job_failed"
	JobRetrying  = "job_retrying"
	JobCancelled = "job_cancelled"
	QueueDepth   = "queue_depth"
)

// Bus is a buffered publish/subscribe fan-out. Each subscriber gets its own
// bounded channel; a subscriber that falls behind has events dropped for it
// rather than blocking the publisher, per spec.md §9 ("drop-on-full").
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	bufferSize  int
	dropped     map[chan Event]*int64
}

// New returns a Bus whose per-subscriber channels hold bufferSize pending
// events before new events start being dropped for that subscriber.
func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		dropped:     make(map[chan Event]*int64),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. Callers must eventually call unsubscribe or the
// channel leaks.
func (b *Bus) Subscribe() (ch <-chan Event, unsubscribe func()) {
	c := make(chan Event, b.bufferSize)
	var zero int64
	b.mu.Lock()
	b.subscribers[c] = struct{}{}
	b.dropped[c] = &zero
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[c]; ok {
			delete(b.subscribers, c)
			delete(b.dropped, c)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Publish fans e out to every current subscriber without blocking. Full
// subscriber buffers silently drop the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subscribers {
		select {
		case c <- e:
		default:
			*b.dropped[c]++
		}
	}
}

// SubscriberCount reports the number of active subscribers. The API layer
// does not call it and places no cap on concurrent SSE streams.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
