package locate

import (
	"context"
	"fmt"
	"time"
)

// Cluster is a spatial location cluster: a centroid plus discovery bookkeeping.
type Cluster struct {
	ID             int64
	Lat            float64
	Lng            float64
	Altitude       float64
	Accuracy       float64
	FirstDiscovery time.Time
	LastSeen       time.Time
}

// Clusters is the persistence surface the resolver needs. The sighting store
// implements it; the resolver itself holds no state.
type Clusters interface {
	// Locations returns all known clusters.
	Locations(ctx context.Context) ([]Cluster, error)

	// InsertLocation persists a new cluster and returns its id.
	InsertLocation(ctx context.Context, c Cluster) (int64, error)

	// UpdateLocation persists changes to an existing cluster.
	UpdateLocation(ctx context.Context, c Cluster) error
}

// Resolver maps fixes to location clusters. Fixes within ThresholdMeters of an
// existing cluster reuse it; anything farther creates a new cluster, so
// clusters never overlap by more than the threshold (best effort, the centroid
// may drift as better fixes arrive).
type Resolver struct {
	Clusters        Clusters
	ThresholdMeters float64
}

// NewResolver creates a resolver over the given cluster store.
func NewResolver(clusters Clusters, thresholdMeters float64) *Resolver {
	return &Resolver{Clusters: clusters, ThresholdMeters: thresholdMeters}
}

// Resolve returns the id of the cluster for the fix, creating one if no
// existing cluster is within the distance threshold.
//
// When a cluster is reused its last-seen is bumped unconditionally and the
// altitude is overwritten; the centroid and accuracy are overwritten only when
// the new fix is strictly more accurate. Best fix wins, no averaging.
func (r *Resolver) Resolve(ctx context.Context, fix Fix) (int64, error) {
	clusters, err := r.Clusters.Locations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load location clusters: %w", err)
	}

	bestIdx := -1
	bestDist := r.ThresholdMeters
	for i, c := range clusters {
		d := DistanceMeters(fix.Lat, fix.Lng, c.Lat, c.Lng)
		if d <= bestDist {
			bestDist = d
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		id, err := r.Clusters.InsertLocation(ctx, Cluster{
			Lat:            fix.Lat,
			Lng:            fix.Lng,
			Altitude:       fix.Altitude,
			Accuracy:       fix.Accuracy,
			FirstDiscovery: fix.At,
			LastSeen:       fix.At,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to insert location cluster: %w", err)
		}
		return id, nil
	}

	c := clusters[bestIdx]
	if fix.At.After(c.LastSeen) {
		c.LastSeen = fix.At
	}
	c.Altitude = fix.Altitude
	if fix.Accuracy > 0 && (c.Accuracy == 0 || fix.Accuracy < c.Accuracy) {
		c.Lat = fix.Lat
		c.Lng = fix.Lng
		c.Accuracy = fix.Accuracy
	}
	if err := r.Clusters.UpdateLocation(ctx, c); err != nil {
		return 0, fmt.Errorf("failed to update location cluster: %w", err)
	}
	return c.ID, nil
}
