// Package jobqueue implements the JobQueue component (spec.md §4.4): a
// priority-ordered pending set that supplies the next eligible job given an
// admission filter supplied by the caller (normally the ResourceAllocator).
package jobqueue

import (
	"sort"
	"sync"
	"time"

	"modconvert/internal/jobtypes"
)

// Entry is the minimal information the queue needs to order and select
// jobs; the service keeps the authoritative Job record in the store.
type Entry struct {
	ID        string
	Priority  jobtypes.Priority
	CreatedAt time.Time

	// Requirements is cached here so filters (the allocator's admission
	// test) can run without a round-trip to the store.
	Requirements jobtypes.ResourceRequirements
}

// Queue holds pending entries ordered by (priority desc, created_at asc).
// peek/take scan in that order and return the first entry for which the
// supplied filter is true, per spec.md §4.4's "Rationale for scan-with-
// filter over strict head-of-line".
type Queue struct {
	mu      sync.Mutex
	entries []Entry

	// promoted overrides an entry's effective priority once starvation
	// promotion kicks in, without mutating caller-visible Priority.
	promoted map[string]jobtypes.Priority
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{promoted: make(map[string]jobtypes.Priority)}
}

// Enqueue inserts e in priority order. CreatedAt must already be set by
// the caller so ties break FIFO.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	q.resort()
}

func (q *Queue) resort() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		wi, wj := q.effectiveWeight(q.entries[i]), q.effectiveWeight(q.entries[j])
		if wi != wj {
			return wi > wj
		}
		return q.entries[i].CreatedAt.Before(q.entries[j].CreatedAt)
	})
}

func (q *Queue) effectiveWeight(e Entry) int {
	if p, ok := q.promoted[e.ID]; ok {
		return p.Weight()
	}
	return e.Priority.Weight()
}

// Promote elevates id's effective priority for ordering purposes, used by
// the allocator's starvation-avoidance rule.
func (q *Queue) Promote(id string, to jobtypes.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoted[id] = to
	q.resort()
}

// Peek returns the first entry for which filter is true, without removing
// it, or nil if none match.
func (q *Queue) Peek(filter func(Entry) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if filter(q.entries[i]) {
			e := q.entries[i]
			return &e
		}
	}
	return nil
}

// Take removes and returns the first entry for which filter is true, or
// nil if none match. O(n) scan, acceptable at the backlog sizes and
// dispatch cadence this core targets (spec.md §4.4).
func (q *Queue) Take(filter func(Entry) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if filter(q.entries[i]) {
			e := q.entries[i]
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			delete(q.promoted, e.ID)
			return &e
		}
	}
	return nil
}

// Remove deletes id from the pending set regardless of filter. Returns
// false if id was not pending.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			delete(q.promoted, id)
			return true
		}
	}
	return false
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PromoteStarved promotes every pending entry whose streakFn (normally the
// allocator's consecutive-denial counter) has reached threshold, per
// spec.md §4.4's starvation-avoidance rule. Already-urgent entries are
// left alone by Priority.Promote.
func (q *Queue) PromoteStarved(threshold int, streakFn func(id string) int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := false
	for _, e := range q.entries {
		if streakFn(e.ID) >= threshold {
			if cur, ok := q.promoted[e.ID]; !ok || cur != e.Priority.Promote() {
				q.promoted[e.ID] = e.Priority.Promote()
				changed = true
			}
		}
	}
	if changed {
		q.resort()
	}
}

// SizeByPriority returns a count of pending entries per nominal priority
// (not the promoted/effective one).
func (q *Queue) SizeByPriority() map[jobtypes.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[jobtypes.Priority]int{
		jobtypes.PriorityLow:    0,
		jobtypes.PriorityNormal: 0,
		jobtypes.PriorityHigh:   0,
		jobtypes.PriorityUrgent: 0,
	}
	for _, e := range q.entries {
		out[e.Priority]++
	}
	return out
}
