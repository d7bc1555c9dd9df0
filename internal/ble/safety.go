package ble

import "encoding/binary"

// Safety is the connection-state verdict for a device. Safe devices are hidden
// from the user: their advertisements say the owner is nearby, so they are not
// candidate trackers. A device flips to Unsafe once it advertises in a
// separated state and stays unsafe from then on.
type Safety int

const (
	SafetyUnknown Safety = iota
	SafetySafe
	SafetyUnsafe
)

// Offline-finding status byte bits (offset 4 of the Apple payload).
const statusOwnerConnected = 0x04

// EvaluateSafety applies the connection-state heuristic to a single
// advertisement. Devices that cannot be confirmed unsafe are reported safe, so
// a tracker only surfaces after it has been seen advertising while separated
// from its owner.
func EvaluateSafety(ev ScanEvent) Safety {
	md := ev.ManufacturerData
	if len(md) >= 5 && binary.LittleEndian.Uint16(md[:2]) == appleCompanyID && md[2] == applePayloadOfflineFinding {
		if md[4]&statusOwnerConnected != 0 {
			return SafetySafe
		}
		return SafetyUnsafe
	}
	// SmartThings Find tags flag the separated state in the first service data
	// byte.
	if data, ok := ev.ServiceData[serviceSmartThings]; ok && len(data) >= 1 {
		if data[0]&0x01 != 0 {
			return SafetyUnsafe
		}
		return SafetySafe
	}
	// Connectable advertisements from unknown families are treated as benign:
	// trackers in the separated state advertise non-connectable frames.
	if ev.Connectable {
		return SafetySafe
	}
	return SafetyUnknown
}
