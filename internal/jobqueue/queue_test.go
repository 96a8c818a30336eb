package jobqueue

import (
	"testing"
	"time"

	"modconvert/internal/jobtypes"
)

func admitAll(Entry) bool { return true }

func TestEnqueueOrdersByPriorityThenAge(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue(Entry{ID: "low", Priority: jobtypes.PriorityLow, CreatedAt: now})
	q.Enqueue(Entry{ID: "urgent", Priority: jobtypes.PriorityUrgent, CreatedAt: now.Add(time.Millisecond)})
	q.Enqueue(Entry{ID: "normal-early", Priority: jobtypes.PriorityNormal, CreatedAt: now})
	q.Enqueue(Entry{ID: "normal-late", Priority: jobtypes.PriorityNormal, CreatedAt: now.Add(time.Second)})

	var order []string
	for {
		e := q.Take(admitAll)
		if e == nil {
			break
		}
		order = append(order, e.ID)
	}

	want := []string{"urgent", "normal-early", "normal-late", "low"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestTakeSkipsEntriesDeniedByFilter(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue(Entry{ID: "big", Priority: jobtypes.PriorityUrgent, CreatedAt: now, Requirements: jobtypes.ResourceRequirements{MemoryMB: 2000}})
	q.Enqueue(Entry{ID: "small", Priority: jobtypes.PriorityLow, CreatedAt: now.Add(time.Millisecond), Requirements: jobtypes.ResourceRequirements{MemoryMB: 100}})

	fitsUnder500 := func(e Entry) bool { return e.Requirements.MemoryMB <= 500 }
	got := q.Take(fitsUnder500)
	if got == nil || got.ID != "small" {
		t.Fatalf("expected scan-with-filter to skip the urgent-but-oversized job, got %v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("expected the big job to remain pending, len=%d", q.Len())
	}
}

func TestRemoveDeletesRegardlessOfFilter(t *testing.T) {
	q := New()
	q.Enqueue(Entry{ID: "a", Priority: jobtypes.PriorityNormal, CreatedAt: time.Now()})
	if !q.Remove("a") {
		t.Fatal("expected Remove to report true for a pending entry")
	}
	if q.Remove("a") {
		t.Fatal("expected a second Remove to report false")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, len=%d", q.Len())
	}
}

func TestPromoteStarvedElevatesOrdering(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue(Entry{ID: "starved", Priority: jobtypes.PriorityLow, CreatedAt: now})
	q.Enqueue(Entry{ID: "fresh", Priority: jobtypes.PriorityNormal, CreatedAt: now.Add(time.Millisecond)})

	streaks := map[string]int{"starved": 100, "fresh": 0}
	q.PromoteStarved(50, func(id string) int { return streaks[id] })

	e := q.Take(admitAll)
	if e == nil || e.ID != "starved" {
		t.Fatalf("expected starvation promotion to put 'starved' first, got %v", e)
	}
}

func TestSizeByPriorityCounts(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue(Entry{ID: "a", Priority: jobtypes.PriorityHigh, CreatedAt: now})
	q.Enqueue(Entry{ID: "b", Priority: jobtypes.PriorityHigh, CreatedAt: now})
	q.Enqueue(Entry{ID: "c", Priority: jobtypes.PriorityLow, CreatedAt: now})

	sizes := q.SizeByPriority()
	if sizes[jobtypes.PriorityHigh] != 2 {
		t.Fatalf("expected 2 high-priority entries, got %d", sizes[jobtypes.PriorityHigh])
	}
	if sizes[jobtypes.PriorityLow] != 1 {
		t.Fatalf("expected 1 low-priority entry, got %d", sizes[jobtypes.PriorityLow])
	}
	if sizes[jobtypes.PriorityUrgent] != 0 {
		t.Fatalf("expected 0 urgent entries, got %d", sizes[jobtypes.PriorityUrgent])
	}
}
