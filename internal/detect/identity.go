package detect

import (
	"context"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/store"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
)

// Identity-rotating trackers defeat per-address detection: every rotation
// starts a fresh device record that never accumulates enough evidence. The
// scans in this file compensate at read time by analysing beacon streams
// grouped above the address level.

// Params tunes an identity scan.
type Params struct {
	// Days is the analysis lookback in days.
	Days int

	// MinDuration is the minimum session length that counts as suspicious in
	// the session analyses. The motion-triggered analysis uses it the other
	// way around, as the budget a run of location visits must fit within.
	MinDuration time.Duration

	// MinLocations is the minimum number of distinct location clusters a
	// suspicious session must span.
	MinLocations int

	// MaxGap splits a beacon stream into sessions. A silence longer than this
	// ends the current session.
	MaxGap time.Duration
}

// DefaultParams returns the production identity scan tuning.
func DefaultParams() Params {
	return Params{
		Days:         1,
		MinDuration:  30 * time.Minute,
		MinLocations: 3,
		MaxGap:       15 * time.Minute,
	}
}

// IdentityScan runs batch analyses that look for tracking behaviour spread
// across rotated device identities.
type IdentityScan struct {
	DB     *store.DB
	Clock  timeutil.Clock
	Params Params
}

// session is one contiguous run of beacons with no gap exceeding MaxGap.
type session struct {
	start     time.Time
	end       time.Time
	beacons   int
	locations map[int64]bool
}

func (s *session) add(b store.Beacon) {
	if s.beacons == 0 {
		s.start = b.ReceivedAt
	}
	s.end = b.ReceivedAt
	s.beacons++
	if b.LocationID.Valid {
		if s.locations == nil {
			s.locations = make(map[int64]bool)
		}
		s.locations[b.LocationID.Int64] = true
	}
}

// suspicious reports whether the session carries enough evidence. Sessions of
// fewer than two beacons are noise and never pass.
func (s *session) suspicious(p Params) bool {
	if s.beacons < 2 {
		return false
	}
	return s.end.Sub(s.start) >= p.MinDuration && len(s.locations) >= p.MinLocations
}

// walkSessions splits an ordered beacon stream on MaxGap gaps and reports
// whether any session, including the final open one, is suspicious.
func walkSessions(beacons []store.Beacon, p Params) bool {
	var cur session
	for _, b := range beacons {
		if cur.beacons > 0 && b.ReceivedAt.Sub(cur.end) > p.MaxGap {
			if cur.suspicious(p) {
				return true
			}
			cur = session{}
		}
		cur.add(b)
	}
	return cur.suspicious(p)
}

func (s *IdentityScan) since() time.Time {
	return s.Clock.Now().Add(-time.Duration(s.Params.Days) * 24 * time.Hour)
}

// PerNetwork returns, for the given crowd-finding network, the addresses whose
// own beacon stream contains a suspicious session. Only devices classified
// into a tracking network participate; each device is settled by its first
// suspicious session.
func (s *IdentityScan) PerNetwork(ctx context.Context, network ble.Network) ([]string, error) {
	since := s.since()
	devices, err := s.DB.DevicesSeenSince(ctx, since)
	if err != nil {
		return nil, err
	}

	var suspects []string
	for _, dev := range devices {
		if ble.ProfileFor(dev.Type).Network != network {
			continue
		}
		beacons, err := s.DB.BeaconsForDeviceSince(ctx, dev.Address, since)
		if err != nil {
			return nil, err
		}
		if walkSessions(beacons, s.Params) {
			suspects = append(suspects, dev.Address)
		}
	}
	return suspects, nil
}

// MotionTriggered reports whether the device was first sighted at MinLocations
// consecutive distinct locations packed into the MinDuration budget: a tracker
// that hops several places quickly is moving with the carrier. Meant for the
// scan fired when the carrier starts moving.
func (s *IdentityScan) MotionTriggered(ctx context.Context, address string) (bool, error) {
	visits, err := s.DB.LocationVisitsForDevice(ctx, address, s.since())
	if err != nil {
		return false, err
	}

	n := s.Params.MinLocations
	for i := 0; i+n <= len(visits); i++ {
		if visits[i+n-1].FirstSeen.Sub(visits[i].FirstSeen) <= s.Params.MinDuration {
			return true, nil
		}
	}
	return false, nil
}

// MotionSuspects runs the motion-triggered analysis for every device seen
// within the lookback and returns the flagged addresses.
func (s *IdentityScan) MotionSuspects(ctx context.Context) ([]string, error) {
	devices, err := s.DB.DevicesSeenSince(ctx, s.since())
	if err != nil {
		return nil, err
	}
	var suspects []string
	for _, dev := range devices {
		flagged, err := s.MotionTriggered(ctx, dev.Address)
		if err != nil {
			return nil, err
		}
		if flagged {
			suspects = append(suspects, dev.Address)
		}
	}
	return suspects, nil
}

// CrossNetwork reports whether the merged beacon stream of all devices, taken
// as if it belonged to a single tracker, contains a suspicious session. This
// catches rotation schemes fast enough to defeat the per-device scans.
func (s *IdentityScan) CrossNetwork(ctx context.Context) (bool, error) {
	beacons, err := s.DB.BeaconsSince(ctx, s.since())
	if err != nil {
		return false, err
	}
	return walkSessions(beacons, s.Params), nil
}
