// Package detect turns accumulated beacons into tracking verdicts. Both
// detectors only read persisted state (plus alert bookkeeping), so they are
// safe to run alongside live ingestion.
package detect

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/monitoring"
	"github.com/seemoo-lab/AirGuard-sub000/internal/store"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
)

// Evidence summarises why a device was flagged.
type Evidence struct {
	BeaconCount       int           `json:"beacon_count"`
	DistinctLocations int           `json:"distinct_locations"`
	FirstBeacon       time.Time     `json:"first_beacon"`
	LastBeacon        time.Time     `json:"last_beacon"`
	TimeFollowing     time.Duration `json:"time_following"`
	MeanRSSI          float64       `json:"mean_rssi"`
	MaxRSSI           float64       `json:"max_rssi"`
}

// AlertFunc receives tracking alerts. It is the engine's only outbound signal
// toward notification and UI layers.
type AlertFunc func(device store.Device, ev Evidence)

// RiskWorker periodically evaluates every non-ignored device against its
// per-type thresholds and raises an alert when continuous multi-location
// presence crosses them. Runs after each scan cycle in production; designed in
// the shape of a stoppable ticker loop.
type RiskWorker struct {
	DB       *store.DB
	Clock    timeutil.Clock
	Alert    AlertFunc
	Interval time.Duration

	// RetentionAge bounds how long never-alerted records are kept; the sweep
	// runs before each detection pass.
	RetentionAge time.Duration

	// SafeRetentionAge bounds how long devices marked safe are kept. Zero
	// falls back to RetentionAge.
	SafeRetentionAge time.Duration

	// UseLocationDetection gates the distinct-location requirement. When the
	// user disables location access, time-based evidence alone can alert.
	UseLocationDetection bool

	// Profiles resolves per-type thresholds; defaults to ble.ProfileFor.
	Profiles func(ble.DeviceType) ble.Profile

	StopChan chan struct{}
}

// NewRiskWorker creates a worker with production defaults.
func NewRiskWorker(db *store.DB, clock timeutil.Clock, alert AlertFunc) *RiskWorker {
	return &RiskWorker{
		DB:                   db,
		Clock:                clock,
		Alert:                alert,
		Interval:             15 * time.Minute,
		RetentionAge:         14 * 24 * time.Hour,
		SafeRetentionAge:     7 * 24 * time.Hour,
		UseLocationDetection: true,
		Profiles:             ble.ProfileFor,
		StopChan:             make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *RiskWorker) Start() {
	go func() {
		ticker := w.Clock.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("risk worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RiskWorker) Stop() {
	close(w.StopChan)
}

// RunOnce sweeps stale records and evaluates all candidate devices.
func (w *RiskWorker) RunOnce(ctx context.Context) error {
	now := w.Clock.Now()

	if w.RetentionAge > 0 {
		safeAge := w.SafeRetentionAge
		if safeAge <= 0 {
			safeAge = w.RetentionAge
		}
		removed, err := w.DB.Sweep(ctx, now.Add(-w.RetentionAge), now.Add(-safeAge))
		if err != nil {
			return err
		}
		if removed > 0 {
			monitoring.Logf("risk worker: swept %d stale devices", removed)
		}
	}

	devices, err := w.DB.DevicesToCheck(ctx)
	if err != nil {
		return err
	}

	for _, dev := range devices {
		alerted, err := w.evaluate(ctx, dev, now)
		if err != nil {
			monitoring.Logf("risk worker: evaluation of %s failed: %v", dev.Address, err)
			continue
		}
		if alerted {
			monitoring.Logf("risk worker: tracking alert for %s (%s)", dev.Address, dev.Type)
		}
	}
	return nil
}

// evaluate applies the threshold decision for one device and reports whether
// an alert was raised.
func (w *RiskWorker) evaluate(ctx context.Context, dev store.Device, now time.Time) (bool, error) {
	profile := w.profileFor(dev.Type)

	// Consecutive alerts about the same ongoing episode must be backed by new
	// evidence: the window never reaches past the last alert.
	windowStart := now.Add(-profile.LookbackHorizon)
	if t := dev.LastNotificationSent; t != nil && t.After(windowStart) {
		windowStart = *t
	}

	beacons, err := w.DB.BeaconsForDeviceSince(ctx, dev.Address, windowStart)
	if err != nil {
		return false, err
	}
	if len(beacons) == 0 {
		return false, nil
	}

	timeFollowing := now.Sub(beacons[0].ReceivedAt)
	if timeFollowing < profile.MinTracked {
		return false, nil
	}

	distinct := distinctLocations(beacons)
	if w.UseLocationDetection && distinct < profile.MinDistinctLocations {
		return false, nil
	}

	if err := w.DB.MarkNotified(ctx, dev.Address, now); err != nil {
		return false, err
	}
	dev.NotificationSent = true
	dev.LastNotificationSent = &now

	if w.Alert != nil {
		w.Alert(dev, buildEvidence(beacons, distinct, timeFollowing))
	}
	return true, nil
}

func (w *RiskWorker) profileFor(t ble.DeviceType) ble.Profile {
	if w.Profiles != nil {
		return w.Profiles(t)
	}
	return ble.ProfileFor(t)
}

func distinctLocations(beacons []store.Beacon) int {
	seen := make(map[int64]bool)
	for _, b := range beacons {
		if b.LocationID.Valid {
			seen[b.LocationID.Int64] = true
		}
	}
	return len(seen)
}

func buildEvidence(beacons []store.Beacon, distinct int, following time.Duration) Evidence {
	rssis := make([]float64, len(beacons))
	for i, b := range beacons {
		rssis[i] = float64(b.RSSI)
	}
	return Evidence{
		BeaconCount:       len(beacons),
		DistinctLocations: distinct,
		FirstBeacon:       beacons[0].ReceivedAt,
		LastBeacon:        beacons[len(beacons)-1].ReceivedAt,
		TimeFollowing:     following,
		MeanRSSI:          stat.Mean(rssis, nil),
		MaxRSSI:           floats.Max(rssis),
	}
}
