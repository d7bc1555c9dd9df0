// Package ble defines the advertisement event model, device classification
// contract, and per-type detection profiles for the tracking engine.
package ble

import "time"

// ScanEvent is one observed BLE advertisement from a candidate tracker. It is
// transient: produced by the radio callback and consumed exactly once by the
// sighting store.
type ScanEvent struct {
	// Addr is the advertised device address. For trackers that rotate their
	// identity this is the rotating key, not a stable hardware address.
	Addr string

	// RSSI is the received signal strength in dBm.
	RSSI int

	// ManufacturerData is the raw manufacturer-specific payload, company
	// identifier included.
	ManufacturerData []byte

	// ServiceData maps 16-bit service UUIDs (lowercase hex, e.g. "fd5a") to
	// their advertised payloads.
	ServiceData map[string][]byte

	// Connectable reports whether the advertisement was connectable.
	Connectable bool

	// DiscoveredAt is the wall-clock time the advertisement was received.
	DiscoveredAt time.Time
}
