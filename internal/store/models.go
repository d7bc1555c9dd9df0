package store

import (
	"database/sql"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
)

// Device is the identity record for a scanned address. The address is the key
// the device advertised, which for identity-rotating trackers is not stable.
type Device struct {
	Address              string         `json:"address"`
	Type                 ble.DeviceType `json:"type"`
	FirstSeen            time.Time      `json:"first_seen"`
	LastSeen             time.Time      `json:"last_seen"`
	NotificationSent     bool           `json:"notification_sent"`
	LastNotificationSent *time.Time     `json:"last_notification_sent,omitempty"`
	Ignored              bool           `json:"ignored"`
	Safe                 bool           `json:"safe"`
	RiskLevel            int            `json:"risk_level"`
}

// Beacon is one persisted sighting. Repeated sightings of the same device
// inside the coalescing window collapse into a single beacon row.
type Beacon struct {
	ID               int64         `json:"id"`
	DeviceAddress    string        `json:"device_address"`
	ReceivedAt       time.Time     `json:"received_at"`
	RSSI             int           `json:"rssi"`
	LocationID       sql.NullInt64 `json:"location_id"`
	ConnectionState  string        `json:"connection_state"`
	ManufacturerData []byte        `json:"-"`
}

// Scan is audit metadata about one scanning session.
type Scan struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Mode         string     `json:"mode"`
	Manual       bool       `json:"manual"`
	DevicesFound int        `json:"devices_found"`
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
