package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
)

const deviceColumns = `address, device_type, first_seen_unix, last_seen_unix,
	notification_sent, last_notification_unix, ignored, safe, risk_level`

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	var d Device
	var devType string
	var firstSeen, lastSeen int64
	var lastNotification sql.NullInt64
	if err := row.Scan(
		&d.Address, &devType, &firstSeen, &lastSeen,
		&d.NotificationSent, &lastNotification, &d.Ignored, &d.Safe, &d.RiskLevel,
	); err != nil {
		return nil, err
	}
	d.Type = ble.DeviceType(devType)
	d.FirstSeen = time.Unix(firstSeen, 0).UTC()
	d.LastSeen = time.Unix(lastSeen, 0).UTC()
	d.LastNotificationSent = timeFromUnix(lastNotification)
	return &d, nil
}

// DeviceByAddress returns the device with the given address, or nil if it has
// never been seen.
func (db *DB) DeviceByAddress(ctx context.Context, address string) (*Device, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE address = ?`, address)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %s: %w", address, err)
	}
	return d, nil
}

// InsertDevice persists a new device row.
func (db *DB) InsertDevice(ctx context.Context, d *Device) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (
			address, device_type, first_seen_unix, last_seen_unix,
			notification_sent, last_notification_unix, ignored, safe, risk_level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Address, string(d.Type), d.FirstSeen.Unix(), d.LastSeen.Unix(),
		d.NotificationSent, unixOrNil(d.LastNotificationSent), d.Ignored, d.Safe, d.RiskLevel,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device %s: %w", d.Address, err)
	}
	return nil
}

// UpdateDevice persists changes to an existing device row.
func (db *DB) UpdateDevice(ctx context.Context, d *Device) error {
	_, err := db.ExecContext(ctx, `
		UPDATE devices SET
			device_type = ?, first_seen_unix = ?, last_seen_unix = ?,
			notification_sent = ?, last_notification_unix = ?, ignored = ?,
			safe = ?, risk_level = ?
		WHERE address = ?`,
		string(d.Type), d.FirstSeen.Unix(), d.LastSeen.Unix(),
		d.NotificationSent, unixOrNil(d.LastNotificationSent), d.Ignored,
		d.Safe, d.RiskLevel, d.Address,
	)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", d.Address, err)
	}
	return nil
}

// Devices returns all devices ordered by last seen, newest first.
func (db *DB) Devices(ctx context.Context) ([]Device, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY last_seen_unix DESC`)
}

// DevicesToCheck returns the devices eligible for risk detection: everything
// the user has not suppressed.
func (db *DB) DevicesToCheck(ctx context.Context) ([]Device, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE ignored = 0 ORDER BY last_seen_unix DESC`)
}

// DevicesSeenSince returns devices whose last sighting is at or after t.
func (db *DB) DevicesSeenSince(ctx context.Context, t time.Time) ([]Device, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE last_seen_unix >= ? ORDER BY last_seen_unix DESC`,
		t.Unix())
}

// AlertedDevices returns devices that have triggered a tracking notification.
func (db *DB) AlertedDevices(ctx context.Context) ([]Device, error) {
	return db.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE notification_sent = 1 ORDER BY last_notification_unix DESC`)
}

func (db *DB) queryDevices(ctx context.Context, query string, args ...interface{}) ([]Device, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

// MarkNotified records that a tracking alert was raised for the device.
func (db *DB) MarkNotified(ctx context.Context, address string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE devices SET notification_sent = 1, last_notification_unix = ?
		WHERE address = ?`, at.Unix(), address)
	if err != nil {
		return fmt.Errorf("failed to mark device %s notified: %w", address, err)
	}
	return nil
}

// SetIgnored sets the user-suppression flag for a device.
func (db *DB) SetIgnored(ctx context.Context, address string, ignored bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE devices SET ignored = ? WHERE address = ?`, ignored, address)
	if err != nil {
		return fmt.Errorf("failed to set ignore flag for %s: %w", address, err)
	}
	return nil
}

// Sweep deletes devices last seen before cutoff that never triggered a
// notification, along with their beacons. Devices marked safe age out at the
// earlier safeCutoff since they carry no evidentiary value. Evidence for
// devices under active suspicion is kept regardless of age. Returns the number
// of devices removed.
func (db *DB) Sweep(ctx context.Context, cutoff, safeCutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM devices
		WHERE notification_sent = 0
		  AND (last_seen_unix < ? OR (safe = 1 AND last_seen_unix < ?))`,
		cutoff.Unix(), safeCutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("retention sweep failed: %w", err)
	}
	return result.RowsAffected()
}
