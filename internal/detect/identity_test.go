package detect

import (
	"context"
	"testing"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/store"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
)

func testParams() Params {
	return Params{
		Days:         1,
		MinDuration:  30 * time.Minute,
		MinLocations: 3,
		MaxGap:       15 * time.Minute,
	}
}

func newTestIdentityScan(db *store.DB) *IdentityScan {
	return &IdentityScan{
		DB:     db,
		Clock:  timeutil.NewMockClock(testTime),
		Params: testParams(),
	}
}

// seedSuspiciousSession writes a 40 minute, 3 location beacon run with gaps
// under the session limit.
func seedSuspiciousSession(t *testing.T, db *store.DB, addr string, start time.Time) {
	t.Helper()
	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)
	insertBeacon(t, db, addr, start, -70, l1)
	insertBeacon(t, db, addr, start.Add(10*time.Minute), -65, l2)
	insertBeacon(t, db, addr, start.Add(25*time.Minute), -60, l2)
	insertBeacon(t, db, addr, start.Add(40*time.Minute), -55, l3)
}

func TestPerNetworkFlagsSuspiciousDevice(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	seedSuspiciousSession(t, db, "aa:01", testTime.Add(-2*time.Hour))

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 1 || suspects[0] != "aa:01" {
		t.Errorf("expected aa:01 flagged, got %v", suspects)
	}
}

func TestPerNetworkFiltersByNetwork(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "tile:01", ble.TypeTile, testTime)
	seedSuspiciousSession(t, db, "tile:01", testTime.Add(-2*time.Hour))

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 0 {
		t.Errorf("tile must not appear in a find_my scan, got %v", suspects)
	}

	suspects, err = scan.PerNetwork(context.Background(), ble.NetworkTile)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 1 {
		t.Errorf("expected the tile flagged on its own network, got %v", suspects)
	}
}

// A long silence splits the stream: two half-hour fragments separated by an
// hour are two sessions, neither of which passes on its own.
func TestSessionSplitOnGap(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)

	start := testTime.Add(-4 * time.Hour)
	// Session one: 10 minutes, two locations.
	insertBeacon(t, db, "aa:01", start, -70, l1)
	insertBeacon(t, db, "aa:01", start.Add(10*time.Minute), -65, l2)
	// One hour gap, then session two: 10 minutes, two locations.
	insertBeacon(t, db, "aa:01", start.Add(70*time.Minute), -60, l2)
	insertBeacon(t, db, "aa:01", start.Add(80*time.Minute), -55, l3)

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 0 {
		t.Errorf("split sessions must not combine into a verdict, got %v", suspects)
	}
}

func TestSingleBeaconSessionsSkipped(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	// Lone beacons an hour apart: every session has one beacon.
	for i := 0; i < 4; i++ {
		insertBeacon(t, db, "aa:01", testTime.Add(-time.Duration(i+1)*time.Hour), -70, l1)
	}

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 0 {
		t.Errorf("single-beacon sessions are noise, got %v", suspects)
	}
}

// The final session has no terminating gap and must still be evaluated.
func TestFinalOpenSessionCounts(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	// A lone beacon first, then a suspicious run right up to now.
	l0 := insertLocation(t, db, 51.0, 7.0)
	insertBeacon(t, db, "aa:01", testTime.Add(-5*time.Hour), -80, l0)
	seedSuspiciousSession(t, db, "aa:01", testTime.Add(-40*time.Minute))

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 1 {
		t.Errorf("the open trailing session must be tested, got %v", suspects)
	}
}

func TestPerNetworkIgnoresOldBeacons(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	// Suspicious, but outside the one-day lookback.
	seedSuspiciousSession(t, db, "aa:01", testTime.Add(-48*time.Hour))

	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 0 {
		t.Errorf("beacons outside the lookback must not count, got %v", suspects)
	}
}

func TestMotionTriggered(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeSmartTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)

	// Three distinct locations in 10 minutes, well inside the 30 minute budget.
	start := testTime.Add(-2 * time.Hour)
	insertBeacon(t, db, "aa:01", start, -70, l1)
	insertBeacon(t, db, "aa:01", start.Add(5*time.Minute), -65, l2)
	insertBeacon(t, db, "aa:01", start.Add(10*time.Minute), -60, l3)

	got, err := scan.MotionTriggered(context.Background(), "aa:01")
	if err != nil {
		t.Fatalf("MotionTriggered failed: %v", err)
	}
	if !got {
		t.Error("three distinct locations within the duration budget should flag")
	}

	// A device seen at too few locations never flags.
	insertDevice(t, db, "bb:01", ble.TypeSmartTag, testTime)
	insertBeacon(t, db, "bb:01", start, -70, l1)
	insertBeacon(t, db, "bb:01", start.Add(10*time.Minute), -60, l2)
	got, err = scan.MotionTriggered(context.Background(), "bb:01")
	if err != nil {
		t.Fatalf("MotionTriggered failed: %v", err)
	}
	if got {
		t.Error("two locations must not flag")
	}
}

// Visits spread over more than the duration budget are ordinary daily movement,
// not a follow.
func TestMotionTriggeredSlowVisitsDoNotFlag(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeSmartTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)

	start := testTime.Add(-4 * time.Hour)
	insertBeacon(t, db, "aa:01", start, -70, l1)
	insertBeacon(t, db, "aa:01", start.Add(25*time.Minute), -65, l2)
	// The third location lands outside the 30 minute window.
	insertBeacon(t, db, "aa:01", start.Add(70*time.Minute), -60, l3)

	got, err := scan.MotionTriggered(context.Background(), "aa:01")
	if err != nil {
		t.Fatalf("MotionTriggered failed: %v", err)
	}
	if got {
		t.Error("visits spanning more than the budget must not flag")
	}
}

func TestMotionSuspects(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)

	start := testTime.Add(-2 * time.Hour)
	insertDevice(t, db, "fast:01", ble.TypeSmartTag, testTime)
	insertBeacon(t, db, "fast:01", start, -70, l1)
	insertBeacon(t, db, "fast:01", start.Add(5*time.Minute), -65, l2)
	insertBeacon(t, db, "fast:01", start.Add(10*time.Minute), -60, l3)

	insertDevice(t, db, "still:01", ble.TypeSmartTag, testTime)
	insertBeacon(t, db, "still:01", start, -70, l1)

	suspects, err := scan.MotionSuspects(context.Background())
	if err != nil {
		t.Fatalf("MotionSuspects failed: %v", err)
	}
	if len(suspects) != 1 || suspects[0] != "fast:01" {
		t.Errorf("expected only fast:01 flagged, got %v", suspects)
	}
}

// Rotated identities: each address alone is innocuous, but the merged stream
// forms one continuous suspicious session.
func TestCrossNetworkCatchesRotation(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "rot:01", ble.TypeAirTag, testTime)
	insertDevice(t, db, "rot:02", ble.TypeAirTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	l2 := insertLocation(t, db, 52.1, 8.1)
	l3 := insertLocation(t, db, 52.2, 8.2)

	start := testTime.Add(-2 * time.Hour)
	// First identity covers the first 20 minutes, the second takes over.
	insertBeacon(t, db, "rot:01", start, -70, l1)
	insertBeacon(t, db, "rot:01", start.Add(10*time.Minute), -65, l2)
	insertBeacon(t, db, "rot:02", start.Add(20*time.Minute), -60, l2)
	insertBeacon(t, db, "rot:02", start.Add(35*time.Minute), -55, l3)

	// Individually, neither address passes.
	suspects, err := scan.PerNetwork(context.Background(), ble.NetworkFindMy)
	if err != nil {
		t.Fatalf("PerNetwork failed: %v", err)
	}
	if len(suspects) != 0 {
		t.Fatalf("per-device analysis should miss the rotation, got %v", suspects)
	}

	got, err := scan.CrossNetwork(context.Background())
	if err != nil {
		t.Fatalf("CrossNetwork failed: %v", err)
	}
	if !got {
		t.Error("the merged stream should reveal the rotation")
	}
}

func TestCrossNetworkQuietDay(t *testing.T) {
	db := setupTestDB(t)
	scan := newTestIdentityScan(db)

	insertDevice(t, db, "aa:01", ble.TypeAirTag, testTime)
	l1 := insertLocation(t, db, 52.0, 8.0)
	insertBeacon(t, db, "aa:01", testTime.Add(-30*time.Minute), -70, l1)

	got, err := scan.CrossNetwork(context.Background())
	if err != nil {
		t.Fatalf("CrossNetwork failed: %v", err)
	}
	if got {
		t.Error("a single sighting must not flag")
	}
}
