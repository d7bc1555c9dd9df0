package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartScanRecord records the beginning of a scanning session and returns the
// session UUID used to complete it later.
func (db *DB) StartScanRecord(ctx context.Context, startedAt time.Time, mode string, manual bool) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO scans (scan_uuid, started_unix, mode, manual)
		VALUES (?, ?, ?, ?)`,
		id, startedAt.Unix(), mode, manual)
	if err != nil {
		return "", fmt.Errorf("failed to record scan start: %w", err)
	}
	return id, nil
}

// CompleteScanRecord closes a scanning session record.
func (db *DB) CompleteScanRecord(ctx context.Context, scanUUID string, endedAt time.Time, devicesFound int) error {
	_, err := db.ExecContext(ctx, `
		UPDATE scans SET ended_unix = ?, devices_found = ?
		WHERE scan_uuid = ?`,
		endedAt.Unix(), devicesFound, scanUUID)
	if err != nil {
		return fmt.Errorf("failed to complete scan record %s: %w", scanUUID, err)
	}
	return nil
}

// LastScan returns the most recently started scan session, or nil if none
// has been recorded.
func (db *DB) LastScan(ctx context.Context) (*Scan, error) {
	row := db.QueryRowContext(ctx, `
		SELECT scan_id, scan_uuid, started_unix, ended_unix, mode, manual, devices_found
		FROM scans ORDER BY started_unix DESC LIMIT 1`)

	var s Scan
	var started int64
	var ended sql.NullInt64
	err := row.Scan(&s.ID, &s.UUID, &started, &ended, &s.Mode, &s.Manual, &s.DevicesFound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last scan: %w", err)
	}
	s.StartedAt = time.Unix(started, 0).UTC()
	s.EndedAt = timeFromUnix(ended)
	return &s, nil
}

// CountBeacons returns the total number of beacon rows.
func (db *DB) CountBeacons(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count beacons: %w", err)
	}
	return n, nil
}

// CountDevices returns the total number of device rows.
func (db *DB) CountDevices(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}
