package ble

import (
	"testing"
	"time"
)

// appleFrame builds a manufacturer data payload with the Apple company ID,
// the given payload type, length byte, and status byte.
func appleFrame(payloadType, length, status byte) []byte {
	md := make([]byte, 27)
	md[0] = 0x4c
	md[1] = 0x00
	md[2] = payloadType
	md[3] = length
	md[4] = status
	return md
}

func TestClassifyAirTag(t *testing.T) {
	ev := ScanEvent{ManufacturerData: appleFrame(0x12, 0x19, 0x00)}
	if got := (PayloadClassifier{}).Classify(ev); got != TypeAirTag {
		t.Errorf("expected airtag, got %s", got)
	}
}

func TestClassifyFindMyAccessory(t *testing.T) {
	ev := ScanEvent{ManufacturerData: appleFrame(0x12, 0x02, 0x00)}
	if got := (PayloadClassifier{}).Classify(ev); got != TypeFindMyAccessory {
		t.Errorf("expected find_my, got %s", got)
	}
}

func TestClassifyAppleFrames(t *testing.T) {
	cases := []struct {
		payloadType byte
		want        DeviceType
	}{
		{0x07, TypeHeadphones},
		{0x10, TypeAppleDevice},
		{0x42, TypeUnknown},
	}
	for _, c := range cases {
		ev := ScanEvent{ManufacturerData: appleFrame(c.payloadType, 0x05, 0x00)}
		if got := (PayloadClassifier{}).Classify(ev); got != c.want {
			t.Errorf("payload type 0x%02x: expected %s, got %s", c.payloadType, c.want, got)
		}
	}
}

func TestClassifyServiceUUIDs(t *testing.T) {
	cases := []struct {
		uuid string
		data []byte
		want DeviceType
	}{
		{"feed", nil, TypeTile},
		{"fe33", nil, TypeChipolo},
		{"fa25", nil, TypePebbleBee},
	}
	for _, c := range cases {
		ev := ScanEvent{ServiceData: map[string][]byte{c.uuid: c.data}}
		if got := (PayloadClassifier{}).Classify(ev); got != c.want {
			t.Errorf("service %s: expected %s, got %s", c.uuid, c.want, got)
		}
	}
}

func TestClassifySmartTagRegistration(t *testing.T) {
	registered := make([]byte, 12)
	registered[4] = 0x01 // non-zero aging counter
	ev := ScanEvent{ServiceData: map[string][]byte{"fd5a": registered}}
	if got := (PayloadClassifier{}).Classify(ev); got != TypeSmartTag {
		t.Errorf("expected smarttag, got %s", got)
	}

	unregistered := make([]byte, 12)
	ev = ScanEvent{ServiceData: map[string][]byte{"fd5a": unregistered}}
	if got := (PayloadClassifier{}).Classify(ev); got != TypeSmartTagUnregistred {
		t.Errorf("expected smarttag_unregistered, got %s", got)
	}
}

func TestClassifyNonApple(t *testing.T) {
	ev := ScanEvent{ManufacturerData: []byte{0x75, 0x00, 0x12, 0x19}}
	if got := (PayloadClassifier{}).Classify(ev); got != TypeUnknown {
		t.Errorf("expected unknown for non-Apple company ID, got %s", got)
	}
}

func TestClassifyShortPayload(t *testing.T) {
	for _, md := range [][]byte{nil, {0x4c}, {0x4c, 0x00}} {
		ev := ScanEvent{ManufacturerData: md}
		if got := (PayloadClassifier{}).Classify(ev); got != TypeUnknown {
			t.Errorf("payload %v: expected unknown, got %s", md, got)
		}
	}
}

func TestEvaluateSafetyOfflineFinding(t *testing.T) {
	// Owner-connected bit set means the tracker is near its owner.
	ev := ScanEvent{ManufacturerData: appleFrame(0x12, 0x19, 0x04)}
	if got := EvaluateSafety(ev); got != SafetySafe {
		t.Errorf("expected safe with owner-connected bit, got %d", got)
	}

	ev = ScanEvent{ManufacturerData: appleFrame(0x12, 0x19, 0x00)}
	if got := EvaluateSafety(ev); got != SafetyUnsafe {
		t.Errorf("expected unsafe in separated state, got %d", got)
	}
}

func TestEvaluateSafetySmartThings(t *testing.T) {
	ev := ScanEvent{ServiceData: map[string][]byte{"fd5a": {0x01}}}
	if got := EvaluateSafety(ev); got != SafetyUnsafe {
		t.Errorf("expected unsafe with separated bit, got %d", got)
	}
	ev = ScanEvent{ServiceData: map[string][]byte{"fd5a": {0x00}}}
	if got := EvaluateSafety(ev); got != SafetySafe {
		t.Errorf("expected safe without separated bit, got %d", got)
	}
}

func TestEvaluateSafetyFallback(t *testing.T) {
	if got := EvaluateSafety(ScanEvent{Connectable: true}); got != SafetySafe {
		t.Errorf("expected connectable fallback to be safe, got %d", got)
	}
	if got := EvaluateSafety(ScanEvent{}); got != SafetyUnknown {
		t.Errorf("expected unknown for bare event, got %d", got)
	}
}

func TestProfileFor(t *testing.T) {
	airtag := ProfileFor(TypeAirTag)
	if airtag.Network != NetworkFindMy {
		t.Errorf("expected airtag on find_my network, got %s", airtag.Network)
	}
	if airtag.MinTracked != 30*time.Minute {
		t.Errorf("unexpected airtag min tracked: %s", airtag.MinTracked)
	}

	def := ProfileFor(TypeUnknown)
	if def.Network != NetworkNone {
		t.Errorf("expected unknown type off-network, got %s", def.Network)
	}
	if def.LookbackHorizon != 24*time.Hour {
		t.Errorf("unexpected default lookback: %s", def.LookbackHorizon)
	}
}

func TestTrackingNetworkTypes(t *testing.T) {
	types := TrackingNetworkTypes()
	if !types[TypeAirTag] || !types[TypeTile] {
		t.Error("expected airtag and tile to be network types")
	}
	if types[TypeHeadphones] {
		t.Error("headphones are not on a crowd-finding network")
	}
	if types[TypeUnknown] {
		t.Error("unknown type must not be a network type")
	}
}
