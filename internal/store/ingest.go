package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/locate"
	"github.com/seemoo-lab/AirGuard-sub000/internal/monitoring"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
)

// IngestorOptions carries the sighting-store tuning.
type IngestorOptions struct {
	// CoalescingWindow is the span within which repeated sightings of one
	// device collapse into a single beacon row.
	CoalescingWindow time.Duration

	// MaxAltitudeMeters discards sightings whose fix altitude exceeds it, to
	// suppress location spam from air travel.
	MaxAltitudeMeters float64

	// SaveManufacturerData persists raw advertisement payloads. Debug only;
	// the payloads can carry identifying material.
	SaveManufacturerData bool

	// AllowedTypes limits which classified device types are persisted. Empty
	// means all types.
	AllowedTypes []ble.DeviceType
}

// Ingestor converts raw scan events into persisted device, location and beacon
// rows. It is the only writer of those rows.
//
// Concurrency: ingestMu serializes whole ingestions so the altitude guard and
// the three upserts act atomically with respect to other calls; the per-entity
// locks are always taken in device -> location -> beacon order.
type Ingestor struct {
	db         *DB
	classifier ble.Classifier
	resolver   *locate.Resolver
	clock      timeutil.Clock
	opts       IngestorOptions

	ingestMu   sync.Mutex
	deviceMu   sync.Mutex
	locationMu sync.Mutex
	beaconMu   sync.Mutex

	allowed map[ble.DeviceType]bool
}

// NewIngestor creates an ingestor over the given database.
func NewIngestor(db *DB, classifier ble.Classifier, resolver *locate.Resolver, clock timeutil.Clock, opts IngestorOptions) *Ingestor {
	var allowed map[ble.DeviceType]bool
	if len(opts.AllowedTypes) > 0 {
		allowed = make(map[ble.DeviceType]bool, len(opts.AllowedTypes))
		for _, t := range opts.AllowedTypes {
			allowed[t] = true
		}
	}
	return &Ingestor{
		db:         db,
		classifier: classifier,
		resolver:   resolver,
		clock:      clock,
		opts:       opts,
		allowed:    allowed,
	}
}

// DB exposes the underlying database for read-side consumers.
func (ing *Ingestor) DB() *DB { return ing.db }

// Ingest persists one sighting. It returns the device and beacon rows the
// sighting ended up in, which may be pre-existing rows when the sighting was
// coalesced. Both are nil when the sighting was discarded: airborne fix,
// filtered device type, or unclassifiable event.
func (ing *Ingestor) Ingest(ctx context.Context, ev ble.ScanEvent, fix *locate.Fix) (*Device, *Beacon, error) {
	ing.ingestMu.Lock()
	defer ing.ingestMu.Unlock()

	now := ing.clock.Now()

	// Airborne guard: a fix above the ceiling means the carrier is flying and
	// every sighting would mint a new far-away location cluster.
	if fix != nil && ing.opts.MaxAltitudeMeters > 0 && fix.Altitude > ing.opts.MaxAltitudeMeters {
		monitoring.Logf("ingest: discarding sighting of %s (altitude %.0fm above ceiling)", ev.Addr, fix.Altitude)
		return nil, nil, nil
	}

	devType := ing.classifier.Classify(ev)
	if ing.allowed != nil && !ing.allowed[devType] {
		return nil, nil, nil
	}

	safety := ble.EvaluateSafety(ev)

	dev, err := ing.upsertDevice(ctx, ev, devType, safety)
	if err != nil {
		return nil, nil, err
	}

	var locationID sql.NullInt64
	if fix != nil {
		id, err := ing.resolveLocation(ctx, *fix)
		if err != nil {
			// A failed location resolve degrades to an unlocated beacon
			// rather than dropping the sighting.
			monitoring.Logf("ingest: location resolve failed for %s: %v", ev.Addr, err)
		} else {
			locationID = sql.NullInt64{Int64: id, Valid: true}
		}
	}

	beacon, err := ing.upsertBeacon(ctx, ev, safety, locationID, now)
	if err != nil {
		return nil, nil, err
	}

	return dev, beacon, nil
}

func (ing *Ingestor) upsertDevice(ctx context.Context, ev ble.ScanEvent, devType ble.DeviceType, safety ble.Safety) (*Device, error) {
	ing.deviceMu.Lock()
	defer ing.deviceMu.Unlock()

	dev, err := ing.db.DeviceByAddress(ctx, ev.Addr)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = &Device{
			Address:   ev.Addr,
			Type:      devType,
			FirstSeen: ev.DiscoveredAt,
			LastSeen:  ev.DiscoveredAt,
			// Not yet confirmed unsafe means hidden from the user.
			Safe: safety != ble.SafetyUnsafe,
		}
		if err := ing.db.InsertDevice(ctx, dev); err != nil {
			return nil, err
		}
		return dev, nil
	}

	if ev.DiscoveredAt.After(dev.LastSeen) {
		dev.LastSeen = ev.DiscoveredAt
	}
	if dev.Type == ble.TypeUnknown && devType != ble.TypeUnknown {
		dev.Type = devType
	}
	// A device advertising in the separated state stays unsafe from then on.
	if safety == ble.SafetyUnsafe && dev.Safe {
		dev.Safe = false
	}
	if err := ing.db.UpdateDevice(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (ing *Ingestor) resolveLocation(ctx context.Context, fix locate.Fix) (int64, error) {
	ing.locationMu.Lock()
	defer ing.locationMu.Unlock()
	return ing.resolver.Resolve(ctx, fix)
}

func (ing *Ingestor) upsertBeacon(ctx context.Context, ev ble.ScanEvent, safety ble.Safety, locationID sql.NullInt64, now time.Time) (*Beacon, error) {
	ing.beaconMu.Lock()
	defer ing.beaconMu.Unlock()

	since := now.Add(-ing.opts.CoalescingWindow)
	latest, err := ing.db.LatestBeaconSince(ctx, ev.Addr, since)
	if err != nil {
		return nil, err
	}

	if latest == nil {
		b := &Beacon{
			DeviceAddress:   ev.Addr,
			ReceivedAt:      ev.DiscoveredAt,
			RSSI:            ev.RSSI,
			LocationID:      locationID,
			ConnectionState: safetyLabel(safety),
		}
		if ing.opts.SaveManufacturerData {
			b.ManufacturerData = ev.ManufacturerData
		}
		if err := ing.db.InsertBeacon(ctx, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	// Coalesced sighting: the only in-place update is attaching a location
	// that resolved after the row was written.
	if !latest.LocationID.Valid && locationID.Valid {
		if err := ing.db.AttachBeaconLocation(ctx, latest.ID, locationID.Int64); err != nil {
			return nil, err
		}
		latest.LocationID = locationID
	}
	return latest, nil
}

func safetyLabel(s ble.Safety) string {
	switch s {
	case ble.SafetySafe:
		return "safe"
	case ble.SafetyUnsafe:
		return "unsafe"
	default:
		return ""
	}
}
