package scanarbiter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/monitoring"
)

// MockRadio is a Radio for tests: it records start/stop calls and lets the
// test push events and failures into the active callback.
type MockRadio struct {
	mu       sync.Mutex
	active   *Callback
	filters  []Filter
	starts   int
	stops    int
	startErr error
}

// NewMockRadio creates an idle mock radio.
func NewMockRadio() *MockRadio {
	return &MockRadio{}
}

// StartScan implements Radio.
func (r *MockRadio) StartScan(filters []Filter, settings Settings, cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.active = cb
	r.filters = filters
	r.starts++
	return nil
}

// StopScan implements Radio.
func (r *MockRadio) StopScan(cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == cb {
		r.active = nil
	}
	r.stops++
	return nil
}

// SetStartError makes subsequent StartScan calls fail.
func (r *MockRadio) SetStartError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// Emit delivers an event to the active scan, applying its filters. Returns
// false if no scan is active or the event was filtered out.
func (r *MockRadio) Emit(ev ble.ScanEvent) bool {
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

// Fail delivers a scan failure to the active scan.
func (r *MockRadio) Fail(code int) {
	r.mu.Lock()
	cb := r.active
	r.active = nil
	r.mu.Unlock()
	if cb != nil && cb.OnFailed != nil {
		cb.OnFailed(code)
	}
}

// Starts returns how many scans were started.
func (r *MockRadio) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Stops returns how many scans were stopped.
func (r *MockRadio) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// Scanning reports whether a scan is currently active.
func (r *MockRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// replayEvent is the fixture line format of the replay radio.
type replayEvent struct {
	Addr             string `json:"addr"`
	RSSI             int    `json:"rssi"`
	ManufacturerData []byte `json:"manufacturer_data,omitempty"`
	ServiceUUID      string `json:"service_uuid,omitempty"`
	ServiceData      []byte `json:"service_data,omitempty"`
	Connectable      bool   `json:"connectable"`
	DelayMs          int    `json:"delay_ms"`
}

// ReplayRadio replays recorded advertisements from a fixture buffer, one JSON
// object per line. Used in dev mode where no BLE hardware is present.
type ReplayRadio struct {
	events []replayEvent

	mu     sync.Mutex
	cancel chan struct{}
}

// NewReplayRadio parses fixture data into a replay radio.
func NewReplayRadio(data []byte) *ReplayRadio {
	r := &ReplayRadio{}
	scan := bufio.NewScanner(bytes.NewReader(data))
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var e replayEvent
		if err := json.Unmarshal(line, &e); err != nil {
			monitoring.Logf("replay: skipping bad fixture line: %v", err)
			continue
		}
		r.events = append(r.events, e)
	}
	return r
}

// StartScan implements Radio: it replays the fixture events on a goroutine
// until the fixture is exhausted or the scan is stopped.
func (r *ReplayRadio) StartScan(filters []Filter, settings Settings, cb *Callback) error {
	r.mu.Lock()
	if r.cancel != nil {
		close(r.cancel)
	}
	cancel := make(chan struct{})
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		for _, e := range r.events {
			if e.DelayMs > 0 {
				select {
				case <-time.After(time.Duration(e.DelayMs) * time.Millisecond):
				case <-cancel:
					return
				}
			}
			select {
			case <-cancel:
				return
			default:
			}
			ev := ble.ScanEvent{
				Addr:             e.Addr,
				RSSI:             e.RSSI,
				ManufacturerData: e.ManufacturerData,
				Connectable:      e.Connectable,
				DiscoveredAt:     time.Now(),
			}
			if e.ServiceUUID != "" {
				ev.ServiceData = map[string][]byte{e.ServiceUUID: e.ServiceData}
			}
			matched := len(filters) == 0
			for _, f := range filters {
				if f.Matches(ev) {
					matched = true
					break
				}
			}
			if matched && cb.OnResult != nil {
				cb.OnResult(ev)
			}
		}
	}()
	return nil
}

// StopScan implements Radio.
func (r *ReplayRadio) StopScan(cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
	}
	return nil
}
