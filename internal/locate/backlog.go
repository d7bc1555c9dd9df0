package locate

import (
	"sync"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
)

// Backlog holds sightings whose location match was deferred. Entries wait for
// a newer fix up to MaxWait; after that they are released to be persisted
// without a location so nothing leaks.
type Backlog struct {
	mu      sync.Mutex
	entries []backlogEntry
	MaxWait time.Duration
}

type backlogEntry struct {
	ev    ble.ScanEvent
	added time.Time
}

// NewBacklog creates a backlog with the given maximum hold time.
func NewBacklog(maxWait time.Duration) *Backlog {
	return &Backlog{MaxWait: maxWait}
}

// Add holds a sighting for later matching.
func (b *Backlog) Add(ev ble.ScanEvent, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, backlogEntry{ev: ev, added: now})
}

// Len returns the number of held sightings.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Drain re-matches every held sighting against the history. Sightings that now
// match (or are ruled unmatchable) are returned paired with their fix; entries
// held longer than MaxWait are returned with a nil fix. The rest stay queued.
func (b *Backlog) Drain(h *History, now time.Time) []Release {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Release
	kept := b.entries[:0]
	for _, e := range b.entries {
		fix, decision := h.Match(e.ev.DiscoveredAt, now)
		switch {
		case decision == Matched:
			out = append(out, Release{Event: e.ev, Fix: fix})
		case decision == Unlocated:
			out = append(out, Release{Event: e.ev})
		case now.Sub(e.added) >= b.MaxWait:
			out = append(out, Release{Event: e.ev})
		default:
			kept = append(kept, e)
		}
	}
	b.entries = kept
	return out
}

// Release is a sighting leaving the backlog, with its resolved fix if any.
type Release struct {
	Event ble.ScanEvent
	Fix   *Fix
}
