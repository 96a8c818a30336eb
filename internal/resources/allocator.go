// Package resources implements the ResourceAllocator component (spec.md
// §4.2): multi-dimensional admission control over memory, CPU slots, and
// disk, plus the starvation-promotion bookkeeping the queue consults.
package resources

import (
	"sync"

	"modconvert/internal/jobtypes"
)

// Totals describes the process-wide resource budget.
type Totals struct {
	MemoryMB int64
	CPUSlots int64
	DiskMB   int64
}

// Ledger is a read-only snapshot of the allocator's state.
type Ledger struct {
	Totals       Totals
	Reserved     Totals
	Reservations map[string]jobtypes.ResourceRequirements
}

// Missing describes which dimensions of a denied request could not be
// satisfied, each value being the shortfall (requested - available).
type Missing struct {
	MemoryMB int64
	CPUSlots int64
	DiskMB   int64
}

func (m Missing) any() bool { return m.MemoryMB > 0 || m.CPUSlots > 0 || m.DiskMB > 0 }

// Allocator tracks free/used resources and admits or defers requests. All
// mutations serialize on a single critical section; readers see a
// consistent snapshot (spec.md §4.2 "Concurrency").
type Allocator struct {
	mu           sync.Mutex
	totals       Totals
	reserved     Totals
	reservations map[string]jobtypes.ResourceRequirements

	// denialStreak counts consecutive dispatch cycles a pending job has
	// been denied admission, keyed by job id, for starvation promotion.
	denialStreak map[string]int
}

// New constructs an Allocator with the given totals.
func New(totals Totals) *Allocator {
	return &Allocator{
		totals:       totals,
		reservations: make(map[string]jobtypes.ResourceRequirements),
		denialStreak: make(map[string]int),
	}
}

// TryReserve grants or denies admission for jobID. Admission is
// all-or-nothing: every requested dimension must fit within total-reserved,
// or nothing is reserved. Calling TryReserve twice for the same job id
// without an intervening Release replaces the prior reservation.
func (a *Allocator) TryReserve(jobID string, req jobtypes.ResourceRequirements) (granted bool, missing Missing) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior, hadPrior := a.reservations[jobID]
	avail := Totals{
		MemoryMB: a.totals.MemoryMB - a.reserved.MemoryMB,
		CPUSlots: a.totals.CPUSlots - a.reserved.CPUSlots,
		DiskMB:   a.totals.DiskMB - a.reserved.DiskMB,
	}
	if hadPrior {
		avail.MemoryMB += prior.MemoryMB
		avail.CPUSlots += prior.CPUSlots
		avail.DiskMB += prior.DiskMB
	}

	if req.MemoryMB > avail.MemoryMB {
		missing.MemoryMB = req.MemoryMB - avail.MemoryMB
	}
	if req.CPUSlots > avail.CPUSlots {
		missing.CPUSlots = req.CPUSlots - avail.CPUSlots
	}
	if req.DiskMB > avail.DiskMB {
		missing.DiskMB = req.DiskMB - avail.DiskMB
	}
	if missing.any() {
		a.denialStreak[jobID]++
		return false, missing
	}

	if hadPrior {
		a.reserved.MemoryMB -= prior.MemoryMB
		a.reserved.CPUSlots -= prior.CPUSlots
		a.reserved.DiskMB -= prior.DiskMB
	}
	a.reserved.MemoryMB += req.MemoryMB
	a.reserved.CPUSlots += req.CPUSlots
	a.reserved.DiskMB += req.DiskMB
	a.reservations[jobID] = req
	delete(a.denialStreak, jobID)
	return true, Missing{}
}

// Release frees jobID's reservation, the exact amount previously granted.
// Releasing a job with no active reservation is a no-op (idempotent).
func (a *Allocator) Release(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.reservations[jobID]
	if !ok {
		return
	}
	a.reserved.MemoryMB -= req.MemoryMB
	a.reserved.CPUSlots -= req.CPUSlots
	a.reserved.DiskMB -= req.DiskMB
	delete(a.reservations, jobID)
	delete(a.denialStreak, jobID)
}

// Snapshot returns a consistent, independent copy of the ledger.
func (a *Allocator) Snapshot() Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	resv := make(map[string]jobtypes.ResourceRequirements, len(a.reservations))
	for k, v := range a.reservations {
		resv[k] = v
	}
	return Ledger{Totals: a.totals, Reserved: a.reserved, Reservations: resv}
}

// DenialStreak returns how many consecutive dispatch cycles jobID has been
// denied admission. Used by the queue's starvation-promotion rule
// (spec.md §4.2 "Starvation avoidance").
func (a *Allocator) DenialStreak(jobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.denialStreak[jobID]
}

// ClearDenialStreak resets the streak, used once a job is admitted or
// removed from the queue (cancel).
func (a *Allocator) ClearDenialStreak(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.denialStreak, jobID)
}
