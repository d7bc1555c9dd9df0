package ble

import "time"

// DeviceType is the classified kind of a scanned device. Stored as text so the
// database stays readable without a decoder ring.
type DeviceType string

const (
	TypeUnknown             DeviceType = "unknown"
	TypeAirTag              DeviceType = "airtag"
	TypeFindMyAccessory     DeviceType = "find_my"
	TypeAppleDevice         DeviceType = "apple_device"
	TypeSmartTag            DeviceType = "smarttag"
	TypeSmartTagUnregistred DeviceType = "smarttag_unregistered"
	TypeTile                DeviceType = "tile"
	TypeChipolo             DeviceType = "chipolo"
	TypePebbleBee           DeviceType = "pebblebee"
	TypeHeadphones          DeviceType = "headphones"
)

// Network identifies the crowd-finding network a device reports into. Devices
// on the same network can be rotated identities of one physical tracker.
type Network string

const (
	NetworkNone        Network = ""
	NetworkFindMy      Network = "find_my"
	NetworkSmartThings Network = "smartthings"
	NetworkTile        Network = "tile"
	NetworkChipolo     Network = "chipolo"
	NetworkPebbleBee   Network = "pebblebee"
)

// Profile carries the per-type detection tuning. Types with weak or rotating
// identifiers get a longer lookback and need fewer distinct locations so that
// identity rotation does not starve the detector of evidence.
type Profile struct {
	// LookbackHorizon bounds how far back the risk detector considers beacons.
	LookbackHorizon time.Duration

	// MinTracked is the minimum time a device must have been following the
	// carrier before an alert is considered.
	MinTracked time.Duration

	// MinDistinctLocations is the number of distinct location clusters required
	// for an alert when location-based detection is enabled.
	MinDistinctLocations int

	// Network is the crowd-finding network membership, NetworkNone if none.
	Network Network
}

// profiles is the type -> tuning table. Data, not virtual dispatch: the
// classifier is the only place that branches on raw payload bytes.
var profiles = map[DeviceType]Profile{
	TypeAirTag:              {LookbackHorizon: 30 * 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 3, Network: NetworkFindMy},
	TypeFindMyAccessory:     {LookbackHorizon: 30 * 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 3, Network: NetworkFindMy},
	TypeAppleDevice:         {LookbackHorizon: 30 * 24 * time.Hour, MinTracked: 60 * time.Minute, MinDistinctLocations: 4, Network: NetworkFindMy},
	TypeSmartTag:            {LookbackHorizon: 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 3, Network: NetworkSmartThings},
	TypeSmartTagUnregistred: {LookbackHorizon: 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 2, Network: NetworkSmartThings},
	TypeTile:                {LookbackHorizon: 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 2, Network: NetworkTile},
	TypeChipolo:             {LookbackHorizon: 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 2, Network: NetworkChipolo},
	TypePebbleBee:           {LookbackHorizon: 24 * time.Hour, MinTracked: 30 * time.Minute, MinDistinctLocations: 2, Network: NetworkPebbleBee},
	TypeHeadphones:          {LookbackHorizon: 24 * time.Hour, MinTracked: 60 * time.Minute, MinDistinctLocations: 3, Network: NetworkNone},
}

// defaultProfile is used for unknown or unclassified device types.
var defaultProfile = Profile{
	LookbackHorizon:      24 * time.Hour,
	MinTracked:           30 * time.Minute,
	MinDistinctLocations: 3,
	Network:              NetworkNone,
}

// ProfileFor returns the detection profile for the given device type.
func ProfileFor(t DeviceType) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return defaultProfile
}

// OverrideProfile replaces the profile for a device type. Used by configuration
// loading; not safe for concurrent use with ProfileFor, so call during startup.
func OverrideProfile(t DeviceType, p Profile) {
	profiles[t] = p
}

// TrackingNetworkTypes returns the set of device types that belong to a known
// crowd-finding network. Only these participate in per-network identity
// correlation.
func TrackingNetworkTypes() map[DeviceType]bool {
	out := make(map[DeviceType]bool, len(profiles))
	for t, p := range profiles {
		if p.Network != NetworkNone {
			out[t] = true
		}
	}
	return out
}
