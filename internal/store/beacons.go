package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const beaconColumns = `beacon_id, device_address, received_unix, rssi,
	location_id, connection_state, manufacturer_data`

func scanBeacon(row interface{ Scan(...interface{}) error }) (*Beacon, error) {
	var b Beacon
	var received int64
	if err := row.Scan(
		&b.ID, &b.DeviceAddress, &received, &b.RSSI,
		&b.LocationID, &b.ConnectionState, &b.ManufacturerData,
	); err != nil {
		return nil, err
	}
	b.ReceivedAt = time.Unix(received, 0).UTC()
	return &b, nil
}

// InsertBeacon persists a new beacon row and fills in its id.
func (db *DB) InsertBeacon(ctx context.Context, b *Beacon) error {
	result, err := db.ExecContext(ctx, `
		INSERT INTO beacons (
			device_address, received_unix, rssi, location_id,
			connection_state, manufacturer_data
		) VALUES (?, ?, ?, ?, ?, ?)`,
		b.DeviceAddress, b.ReceivedAt.Unix(), b.RSSI, b.LocationID,
		b.ConnectionState, b.ManufacturerData,
	)
	if err != nil {
		return fmt.Errorf("failed to insert beacon for %s: %w", b.DeviceAddress, err)
	}
	b.ID, err = result.LastInsertId()
	return err
}

// LatestBeaconSince returns the most recent beacon for the device received at
// or after since, or nil if there is none. This is the coalescing lookup.
func (db *DB) LatestBeaconSince(ctx context.Context, address string, since time.Time) (*Beacon, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+beaconColumns+` FROM beacons
		WHERE device_address = ? AND received_unix >= ?
		ORDER BY received_unix DESC LIMIT 1`,
		address, since.Unix())
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest beacon for %s: %w", address, err)
	}
	return b, nil
}

// AttachBeaconLocation sets the location of an existing beacon. Used when a
// location fix resolves after the beacon row was created.
func (db *DB) AttachBeaconLocation(ctx context.Context, beaconID, locationID int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE beacons SET location_id = ? WHERE beacon_id = ?`, locationID, beaconID)
	if err != nil {
		return fmt.Errorf("failed to attach location to beacon %d: %w", beaconID, err)
	}
	return nil
}

// BeaconsForDeviceSince returns the device's beacons received at or after
// since, oldest first.
func (db *DB) BeaconsForDeviceSince(ctx context.Context, address string, since time.Time) ([]Beacon, error) {
	return db.queryBeacons(ctx, `
		SELECT `+beaconColumns+` FROM beacons
		WHERE device_address = ? AND received_unix >= ?
		ORDER BY received_unix ASC`,
		address, since.Unix())
}

// BeaconsSince returns all beacons received at or after since, oldest first,
// regardless of device. Used by the cross-network identity scan.
func (db *DB) BeaconsSince(ctx context.Context, since time.Time) ([]Beacon, error) {
	return db.queryBeacons(ctx, `
		SELECT `+beaconColumns+` FROM beacons
		WHERE received_unix >= ?
		ORDER BY received_unix ASC`,
		since.Unix())
}

func (db *DB) queryBeacons(ctx context.Context, query string, args ...interface{}) ([]Beacon, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query beacons: %w", err)
	}
	defer rows.Close()

	var beacons []Beacon
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, err
		}
		beacons = append(beacons, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return beacons, nil
}

// DistinctLocationCount returns the number of distinct non-null locations among
// the device's beacons received at or after since.
func (db *DB) DistinctLocationCount(ctx context.Context, address string, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT location_id) FROM beacons
		WHERE device_address = ? AND received_unix >= ? AND location_id IS NOT NULL`,
		address, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count distinct locations for %s: %w", address, err)
	}
	return n, nil
}

// LocationVisit is the first time a device was sighted at a location cluster.
type LocationVisit struct {
	LocationID int64
	FirstSeen  time.Time
}

// LocationVisitsForDevice returns the device's distinct location visits since
// the given time, ordered by first sighting at each location. Used by the
// motion-triggered identity scan.
func (db *DB) LocationVisitsForDevice(ctx context.Context, address string, since time.Time) ([]LocationVisit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT location_id, MIN(received_unix) AS first_seen
		FROM beacons
		WHERE device_address = ? AND received_unix >= ? AND location_id IS NOT NULL
		GROUP BY location_id
		ORDER BY first_seen ASC`,
		address, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query location visits for %s: %w", address, err)
	}
	defer rows.Close()

	var visits []LocationVisit
	for rows.Next() {
		var v LocationVisit
		var first int64
		if err := rows.Scan(&v.LocationID, &first); err != nil {
			return nil, err
		}
		v.FirstSeen = time.Unix(first, 0).UTC()
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}
