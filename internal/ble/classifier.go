package ble

import "encoding/binary"

// Classifier turns a raw advertisement into a device type. The production
// classifier lives outside the engine; PayloadClassifier is the default used by
// the daemon and by tests.
type Classifier interface {
	Classify(ev ScanEvent) DeviceType
}

// ClassifierFunc adapts an ordinary function to a Classifier.
type ClassifierFunc func(ev ScanEvent) DeviceType

// Classify classifies a scan event.
func (f ClassifierFunc) Classify(ev ScanEvent) DeviceType { return f(ev) }

// 16-bit service UUIDs advertised by the supported tracker families, lowercase
// hex as they appear in ScanEvent.ServiceData.
const (
	serviceSmartThings = "fd5a"
	serviceTile        = "feed"
	serviceChipolo     = "fe33"
	servicePebbleBee   = "fa25"
)

const appleCompanyID = 0x004c

// Apple manufacturer payload type bytes (offset 2, after the company ID).
const (
	applePayloadOfflineFinding = 0x12
	applePayloadNearbyInfo     = 0x10
	applePayloadProximity      = 0x07
)

// PayloadClassifier classifies devices from advertisement payload prefixes and
// service UUIDs.
type PayloadClassifier struct{}

// Classify implements Classifier.
func (PayloadClassifier) Classify(ev ScanEvent) DeviceType {
	if data, ok := ev.ServiceData[serviceSmartThings]; ok {
		// The SmartThings Find frame carries an aging counter; tags that were
		// never registered advertise a zeroed counter.
		if len(data) >= 12 && data[4] == 0 && data[5] == 0 && data[6] == 0 {
			return TypeSmartTagUnregistred
		}
		return TypeSmartTag
	}
	if _, ok := ev.ServiceData[serviceTile]; ok {
		return TypeTile
	}
	if _, ok := ev.ServiceData[serviceChipolo]; ok {
		return TypeChipolo
	}
	if _, ok := ev.ServiceData[servicePebbleBee]; ok {
		return TypePebbleBee
	}

	md := ev.ManufacturerData
	if len(md) < 3 {
		return TypeUnknown
	}
	if binary.LittleEndian.Uint16(md[:2]) != appleCompanyID {
		return TypeUnknown
	}
	switch md[2] {
	case applePayloadOfflineFinding:
		// Offline-finding frames from AirTags carry a 25-byte payload; other
		// Find My accessories use shorter frames.
		if len(md) >= 4 && md[3] == 0x19 {
			return TypeAirTag
		}
		return TypeFindMyAccessory
	case applePayloadProximity:
		return TypeHeadphones
	case applePayloadNearbyInfo:
		return TypeAppleDevice
	}
	return TypeUnknown
}
