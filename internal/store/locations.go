package store

import (
	"context"
	"fmt"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/locate"
)

// Locations returns all location clusters. Implements locate.Clusters.
func (db *DB) Locations(ctx context.Context) ([]locate.Cluster, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT location_id, latitude, longitude, altitude, accuracy,
			first_discovery_unix, last_seen_unix
		FROM locations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var clusters []locate.Cluster
	for rows.Next() {
		var c locate.Cluster
		var first, last int64
		if err := rows.Scan(&c.ID, &c.Lat, &c.Lng, &c.Altitude, &c.Accuracy, &first, &last); err != nil {
			return nil, err
		}
		c.FirstDiscovery = time.Unix(first, 0).UTC()
		c.LastSeen = time.Unix(last, 0).UTC()
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clusters, nil
}

// InsertLocation persists a new location cluster. Implements locate.Clusters.
func (db *DB) InsertLocation(ctx context.Context, c locate.Cluster) (int64, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO locations (
			latitude, longitude, altitude, accuracy,
			first_discovery_unix, last_seen_unix
		) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Lat, c.Lng, c.Altitude, c.Accuracy,
		c.FirstDiscovery.Unix(), c.LastSeen.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert location: %w", err)
	}
	return result.LastInsertId()
}

// UpdateLocation persists changes to a location cluster. Implements
// locate.Clusters.
func (db *DB) UpdateLocation(ctx context.Context, c locate.Cluster) error {
	_, err := db.ExecContext(ctx, `
		UPDATE locations SET
			latitude = ?, longitude = ?, altitude = ?, accuracy = ?,
			last_seen_unix = ?
		WHERE location_id = ?`,
		c.Lat, c.Lng, c.Altitude, c.Accuracy, c.LastSeen.Unix(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update location %d: %w", c.ID, err)
	}
	return nil
}

// CountLocations returns the number of location clusters.
func (db *DB) CountLocations(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}
