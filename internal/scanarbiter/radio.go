// Package scanarbiter serializes access to the single BLE scanning resource.
// Multiple subsystems (foreground scan, periodic background scan, always-on
// low-power scan) request the radio through one Arbiter, which owns all
// start/stop decisions.
package scanarbiter

import (
	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
)

// Radio is the abstract scanning capability of the host. The engine never
// talks to the OS radio directly; implementations adapt a platform scanner or
// replay recorded advertisements for tests and dev mode.
type Radio interface {
	// StartScan begins scanning. Results and failures are delivered on cb
	// until StopScan is called with the same callback.
	StartScan(filters []Filter, settings Settings, cb *Callback) error

	// StopScan stops the scan associated with cb. Stopping a scan that is not
	// running is a no-op.
	StopScan(cb *Callback) error
}

// Callback is the surface the radio delivers scan outcomes on. Either field
// may be nil.
type Callback struct {
	OnResult func(ev ble.ScanEvent)
	OnFailed func(code int)
}

// Scan failure codes reported via Callback.OnFailed.
const (
	FailedUnknown             = 0
	FailedRadioOff            = 1
	FailedPermissionMissing   = 2
	FailedRegistrationLimited = 3 // undocumented OS start-rate limit
)

// Filter narrows which advertisements a scan reports. Zero values match
// everything.
type Filter struct {
	CompanyID   uint16 // manufacturer data company identifier, 0 = any
	ServiceUUID string // 16-bit service UUID, lowercase hex, "" = any
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev ble.ScanEvent) bool {
	if f.CompanyID != 0 {
		md := ev.ManufacturerData
		if len(md) < 2 || uint16(md[0])|uint16(md[1])<<8 != f.CompanyID {
			return false
		}
	}
	if f.ServiceUUID != "" {
		if _, ok := ev.ServiceData[f.ServiceUUID]; !ok {
			return false
		}
	}
	return true
}

// ScanMode selects the power/latency trade-off of a scan.
type ScanMode int

const (
	ModeLowPower ScanMode = iota
	ModeBalanced
	ModeLowLatency
)

// String returns the mode name as stored on scan session records.
func (m ScanMode) String() string {
	switch m {
	case ModeLowPower:
		return "low_power"
	case ModeBalanced:
		return "balanced"
	case ModeLowLatency:
		return "low_latency"
	default:
		return "unknown"
	}
}

// Settings configures one scan.
type Settings struct {
	Mode ScanMode

	// Manual marks a user-initiated scan on the session audit record.
	Manual bool
}

// Priority orders concurrent scan requests. Higher priorities preempt lower
// ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}
