package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/locate"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	fname := t.Name() + ".db"
	db.Close()
	_ = os.Remove(fname)
	_ = os.Remove(fname + "-shm")
	_ = os.Remove(fname + "-wal")
}

func clusterAt(t *testing.T, lat, lng float64) locate.Cluster {
	t.Helper()
	return locate.Cluster{
		Lat: lat, Lng: lng, Accuracy: 20,
		FirstDiscovery: testTime, LastSeen: testTime,
	}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

func TestMigrationsApply(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("schema should not be dirty after NewDB")
	}
	if version == 0 {
		t.Error("expected at least one migration applied")
	}

	// MigrateUp is idempotent.
	if err := db.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp failed: %v", err)
	}
}

func TestDeviceRoundtrip(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	dev := &Device{
		Address:   "aa:bb:cc:dd:ee:ff",
		Type:      ble.TypeAirTag,
		FirstSeen: testTime,
		LastSeen:  testTime.Add(10 * time.Minute),
		Safe:      true,
	}
	if err := db.InsertDevice(ctx, dev); err != nil {
		t.Fatalf("InsertDevice failed: %v", err)
	}

	got, err := db.DeviceByAddress(ctx, dev.Address)
	if err != nil {
		t.Fatalf("DeviceByAddress failed: %v", err)
	}
	if got == nil {
		t.Fatal("device not found")
	}
	if diff := cmp.Diff(dev, got); diff != "" {
		t.Errorf("device roundtrip mismatch (-want +got):\n%s", diff)
	}

	missing, err := db.DeviceByAddress(ctx, "not:a:device")
	if err != nil {
		t.Fatalf("DeviceByAddress failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown address")
	}
}

func TestMarkNotifiedAndAlertedDevices(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	for _, addr := range []string{"aa:01", "aa:02"} {
		dev := &Device{Address: addr, Type: ble.TypeTile, FirstSeen: testTime, LastSeen: testTime}
		if err := db.InsertDevice(ctx, dev); err != nil {
			t.Fatalf("InsertDevice failed: %v", err)
		}
	}

	when := testTime.Add(time.Hour)
	if err := db.MarkNotified(ctx, "aa:01", when); err != nil {
		t.Fatalf("MarkNotified failed: %v", err)
	}

	alerted, err := db.AlertedDevices(ctx)
	if err != nil {
		t.Fatalf("AlertedDevices failed: %v", err)
	}
	if len(alerted) != 1 || alerted[0].Address != "aa:01" {
		t.Fatalf("expected only aa:01 alerted, got %+v", alerted)
	}
	if alerted[0].LastNotificationSent == nil || !alerted[0].LastNotificationSent.Equal(when) {
		t.Errorf("wrong notification time: %v", alerted[0].LastNotificationSent)
	}
}

func TestSetIgnoredFiltersDevicesToCheck(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	for _, addr := range []string{"aa:01", "aa:02"} {
		dev := &Device{Address: addr, Type: ble.TypeTile, FirstSeen: testTime, LastSeen: testTime}
		if err := db.InsertDevice(ctx, dev); err != nil {
			t.Fatalf("InsertDevice failed: %v", err)
		}
	}
	if err := db.SetIgnored(ctx, "aa:02", true); err != nil {
		t.Fatalf("SetIgnored failed: %v", err)
	}

	toCheck, err := db.DevicesToCheck(ctx)
	if err != nil {
		t.Fatalf("DevicesToCheck failed: %v", err)
	}
	if len(toCheck) != 1 || toCheck[0].Address != "aa:01" {
		t.Errorf("expected ignored device excluded, got %+v", toCheck)
	}
}

func TestSweepCascadesToBeacons(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	old := &Device{Address: "old:01", Type: ble.TypeTile, FirstSeen: testTime.Add(-30 * 24 * time.Hour), LastSeen: testTime.Add(-20 * 24 * time.Hour)}
	fresh := &Device{Address: "new:01", Type: ble.TypeTile, FirstSeen: testTime, LastSeen: testTime}
	alertedOld := &Device{Address: "old:02", Type: ble.TypeTile, FirstSeen: testTime.Add(-30 * 24 * time.Hour), LastSeen: testTime.Add(-20 * 24 * time.Hour), NotificationSent: true}
	// Last seen between the two cutoffs: only the safe flag makes it eligible.
	safeOld := &Device{Address: "safe:01", Type: ble.TypeTile, FirstSeen: testTime.Add(-30 * 24 * time.Hour), LastSeen: testTime.Add(-10 * 24 * time.Hour), Safe: true}
	for _, d := range []*Device{old, fresh, alertedOld, safeOld} {
		if err := db.InsertDevice(ctx, d); err != nil {
			t.Fatalf("InsertDevice failed: %v", err)
		}
		b := &Beacon{DeviceAddress: d.Address, ReceivedAt: d.LastSeen, RSSI: -70}
		if err := db.InsertBeacon(ctx, b); err != nil {
			t.Fatalf("InsertBeacon failed: %v", err)
		}
	}

	removed, err := db.Sweep(ctx, testTime.Add(-14*24*time.Hour), testTime.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 devices swept, got %d", removed)
	}
	if dev, _ := db.DeviceByAddress(ctx, "safe:01"); dev != nil {
		t.Error("stale safe device should go at the shorter boundary")
	}

	// Beacons of the swept device go with it; the alerted device's evidence
	// survives regardless of age.
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons`).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 beacons left, got %d", n)
	}
	if dev, _ := db.DeviceByAddress(ctx, "old:02"); dev == nil {
		t.Error("alerted device must survive the sweep")
	}
}

func TestScanSessionRecords(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	id, err := db.StartScanRecord(ctx, testTime, "low_latency", true)
	if err != nil {
		t.Fatalf("StartScanRecord failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session UUID")
	}
	if err := db.CompleteScanRecord(ctx, id, testTime.Add(time.Minute), 7); err != nil {
		t.Fatalf("CompleteScanRecord failed: %v", err)
	}

	last, err := db.LastScan(ctx)
	if err != nil {
		t.Fatalf("LastScan failed: %v", err)
	}
	if last == nil {
		t.Fatal("expected a scan record")
	}
	if last.UUID != id || last.Mode != "low_latency" || !last.Manual || last.DevicesFound != 7 {
		t.Errorf("scan record mismatch: %+v", last)
	}
	if last.EndedAt == nil || !last.EndedAt.Equal(testTime.Add(time.Minute)) {
		t.Errorf("wrong end time: %v", last.EndedAt)
	}
}

func TestLocationVisitsOrdering(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	dev := &Device{Address: "aa:01", Type: ble.TypeTile, FirstSeen: testTime, LastSeen: testTime}
	if err := db.InsertDevice(ctx, dev); err != nil {
		t.Fatalf("InsertDevice failed: %v", err)
	}

	loc1, err := db.InsertLocation(ctx, clusterAt(t, 52.0, 8.0))
	if err != nil {
		t.Fatalf("InsertLocation failed: %v", err)
	}
	loc2, err := db.InsertLocation(ctx, clusterAt(t, 52.1, 8.1))
	if err != nil {
		t.Fatalf("InsertLocation failed: %v", err)
	}

	// Two sightings at loc2 (the later one first in insertion order) and one
	// at loc1 in between.
	beacons := []Beacon{
		{DeviceAddress: "aa:01", ReceivedAt: testTime.Add(20 * time.Minute), RSSI: -60, LocationID: nullInt(loc2)},
		{DeviceAddress: "aa:01", ReceivedAt: testTime, RSSI: -65, LocationID: nullInt(loc2)},
		{DeviceAddress: "aa:01", ReceivedAt: testTime.Add(10 * time.Minute), RSSI: -70, LocationID: nullInt(loc1)},
	}
	for i := range beacons {
		if err := db.InsertBeacon(ctx, &beacons[i]); err != nil {
			t.Fatalf("InsertBeacon failed: %v", err)
		}
	}

	visits, err := db.LocationVisitsForDevice(ctx, "aa:01", testTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LocationVisitsForDevice failed: %v", err)
	}
	if len(visits) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visits))
	}
	if visits[0].LocationID != loc2 || visits[1].LocationID != loc1 {
		t.Errorf("visits out of order: %+v", visits)
	}
	if !visits[0].FirstSeen.Equal(testTime) {
		t.Errorf("first visit time should be the earliest sighting, got %s", visits[0].FirstSeen)
	}

	n, err := db.DistinctLocationCount(ctx, "aa:01", testTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DistinctLocationCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 distinct locations, got %d", n)
	}
}
