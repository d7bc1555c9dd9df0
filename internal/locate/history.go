package locate

import (
	"sync"
	"time"
)

// Decision is the outcome of matching a sighting time against the fix history.
type Decision int

const (
	// Matched means a usable fix was found within tolerance.
	Matched Decision = iota

	// Deferred means the best-known fix predates the sighting. A stale fix
	// says nothing reliable about where the carrier was when the device was
	// seen, so the sighting is held until a newer fix arrives.
	Deferred

	// Unlocated means no fix can ever match: the nearest fix is newer than the
	// sighting by more than the tolerance, so the sighting should be persisted
	// without a location rather than held forever.
	Unlocated
)

// History is a rolling buffer of location fixes used by the always-on scan
// path, which collects fixes continuously instead of requesting one per
// sighting. Safe for concurrent use.
type History struct {
	mu        sync.Mutex
	fixes     []Fix
	Tolerance time.Duration
	Retention time.Duration
}

// NewHistory creates a fix history with the given match tolerance and
// retention span.
func NewHistory(tolerance, retention time.Duration) *History {
	return &History{Tolerance: tolerance, Retention: retention}
}

// Add records a fix.
func (h *History) Add(fix Fix) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fixes = append(h.fixes, fix)
}

// Len returns the number of retained fixes.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fixes)
}

// Match selects the fix with minimal absolute time difference to discoveredAt.
//
// A fix older than the sighting never matches: the returned decision is
// Deferred so the caller holds the sighting until a newer fix arrives. A fix
// newer than the sighting matches when the gap is within tolerance; beyond the
// tolerance the decision is Unlocated. An empty history defers.
//
// Fixes older than the retention span are pruned relative to now.
func (h *History) Match(discoveredAt, now time.Time) (*Fix, Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune(now)

	bestIdx := -1
	var bestGap time.Duration
	for i, f := range h.fixes {
		gap := f.At.Sub(discoveredAt)
		if gap < 0 {
			gap = -gap
		}
		if bestIdx == -1 || gap < bestGap {
			bestIdx = i
			bestGap = gap
		}
	}

	if bestIdx == -1 {
		return nil, Deferred
	}

	best := h.fixes[bestIdx]
	if best.At.Before(discoveredAt) {
		return nil, Deferred
	}
	if bestGap > h.Tolerance {
		return nil, Unlocated
	}
	fix := best
	return &fix, Matched
}

func (h *History) prune(now time.Time) {
	if h.Retention <= 0 {
		return
	}
	cutoff := now.Add(-h.Retention)
	kept := h.fixes[:0]
	for _, f := range h.fixes {
		if !f.At.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	h.fixes = kept
}
