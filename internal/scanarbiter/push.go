package scanarbiter

import (
	"sync"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
)

// PushRadio is a Radio fed by an external advertisement source, typically the
// HTTP ingest endpoint of a platform-side scanner. StartScan registers the
// active callback and filters; Emit delivers events into them. Scanning costs
// nothing here, so start and stop never fail.
type PushRadio struct {
	mu      sync.Mutex
	active  *Callback
	filters []Filter
}

// NewPushRadio creates an idle push radio.
func NewPushRadio() *PushRadio {
	return &PushRadio{}
}

// StartScan implements Radio.
func (r *PushRadio) StartScan(filters []Filter, settings Settings, cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = cb
	r.filters = filters
	return nil
}

// StopScan implements Radio.
func (r *PushRadio) StopScan(cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == cb {
		r.active = nil
	}
	return nil
}

// Emit delivers an event to the active scan, applying its filters. Returns
// false if no scan is active or the event was filtered out, so callers can
// report dropped events.
func (r *PushRadio) Emit(ev ble.ScanEvent) bool {
	r.mu.Lock()
	cb := r.active
	filters := r.filters
	r.mu.Unlock()
	if cb == nil || cb.OnResult == nil {
		return false
	}
	if len(filters) > 0 {
		matched := false
		for _, f := range filters {
			if f.Matches(ev) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	cb.OnResult(ev)
	return true
}
