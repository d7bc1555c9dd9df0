// Package locate correlates sightings with location fixes: it clusters fixes
// into reusable place records and matches a sighting's discovery time against a
// rolling history of fixes.
package locate

import (
	"context"
	"time"

	"github.com/golang/geo/s2"
)

// Fix is one GPS/location fix.
type Fix struct {
	Lat      float64
	Lng      float64
	Altitude float64
	// Accuracy is the estimated horizontal error radius in meters. Smaller is
	// better; zero means unknown.
	Accuracy float64
	At       time.Time
}

// Source is the external location capability the engine consumes.
type Source interface {
	// LastKnown returns the most recent cached fix, or nil if none exists.
	LastKnown() *Fix

	// RequestUpdate requests a fresh fix, waiting up to the context deadline.
	// It returns nil rather than an error when no fix arrives in time, so
	// callers proceed without a location instead of blocking.
	RequestUpdate(ctx context.Context) (*Fix, error)
}

const earthRadiusMeters = 6371010.0

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * earthRadiusMeters
}
