// Command airguard runs the BLE anti-tracking detection engine: it arbitrates
// scan requests, ingests advertisements into the sightings database,
// correlates them with location fixes, and periodically evaluates devices for
// tracking behaviour.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seemoo-lab/AirGuard-sub000/internal/api"
	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/config"
	"github.com/seemoo-lab/AirGuard-sub000/internal/detect"
	"github.com/seemoo-lab/AirGuard-sub000/internal/locate"
	"github.com/seemoo-lab/AirGuard-sub000/internal/scanarbiter"
	"github.com/seemoo-lab/AirGuard-sub000/internal/store"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
	"github.com/seemoo-lab/AirGuard-sub000/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode, replaying advertisements from the fixtures file")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "sightings.db", "Path to the sightings database")
	configPath  = flag.String("config", "", "Path to a tuning config JSON file")
	fixtures    = flag.String("fixtures", "fixtures.jsonl", "Advertisement fixtures for dev mode")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const backgroundScanOwner = "always-on"

// drainInterval bounds how long a deferred sighting waits after its matching
// fix arrives.
const drainInterval = 30 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("airguard %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	clock := timeutil.RealClock{}

	db, err := store.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	resolver := locate.NewResolver(db, cfg.GetDistanceThresholdMeters())
	ingestor := store.NewIngestor(db, ble.PayloadClassifier{}, resolver, clock, store.IngestorOptions{
		CoalescingWindow:     cfg.GetCoalescingWindow(),
		MaxAltitudeMeters:    cfg.GetMaxAltitudeMeters(),
		SaveManufacturerData: cfg.GetSaveManufacturerData(),
		AllowedTypes:         allowedTypes(cfg),
	})

	history := locate.NewHistory(cfg.GetFixMatchTolerance(), cfg.GetFixRetention())
	backlog := locate.NewBacklog(cfg.GetMaxLocationWait())

	// In dev mode recorded advertisements replay from a fixtures file. In
	// production a platform-side scanner pushes advertisements and fixes over
	// the HTTP ingest endpoints.
	var radio scanarbiter.Radio
	var push *scanarbiter.PushRadio
	if *devMode {
		data, err := os.ReadFile(*fixtures)
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		radio = scanarbiter.NewReplayRadio(data)
	} else {
		push = scanarbiter.NewPushRadio()
		radio = push
	}

	arb := scanarbiter.New(radio, clock, db, scanarbiter.Options{
		GraceDelay:  cfg.GetGraceDelay(),
		MaxStarts:   cfg.GetMaxScanStarts(),
		StartWindow: cfg.GetScanStartWindow(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// arbiter actor loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := arb.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("arbiter terminated: %v", err)
		}
		log.Print("arbiter routine terminated")
	}()

	// The always-on low power scan holds a lease: preempted scans resume it
	// when they finish.
	if err := arb.EnsureRunningLease(ctx, backgroundScanOwner, nil,
		scanarbiter.Settings{Mode: scanarbiter.ModeLowPower}, &scanarbiter.Callback{}); err != nil {
		log.Fatalf("failed to start background scan: %v", err)
	}

	// sighting pipeline: subscribe to scan results, match each against the fix
	// history, and ingest. Deferred sightings wait in the backlog for a newer
	// fix and drain periodically.
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := arb.Subscribe()
		defer arb.Unsubscribe(id)
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case ev := <-c:
				ingestSighting(ctx, ingestor, history, backlog, ev)
			case <-ticker.C:
				for _, rel := range backlog.Drain(history, time.Now()) {
					ingest(ctx, ingestor, rel.Event, rel.Fix)
				}
			case <-ctx.Done():
				log.Print("pipeline routine terminated")
				return
			}
		}
	}()

	worker := detect.NewRiskWorker(db, clock, logAlert)
	worker.Interval = cfg.GetDetectionInterval()
	worker.RetentionAge = cfg.GetRetentionAge()
	worker.SafeRetentionAge = cfg.GetSafeRetentionAge()
	worker.UseLocationDetection = cfg.GetUseLocationDetection()
	worker.Start()
	defer worker.Stop()

	identity := &detect.IdentityScan{
		DB:    db,
		Clock: clock,
		Params: detect.Params{
			Days:         cfg.GetIdentityScanDays(),
			MinDuration:  cfg.GetIdentityMinDuration(),
			MinLocations: cfg.GetIdentityMinLocations(),
			MaxGap:       cfg.GetIdentityMaxGap(),
		},
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes, for local inspection only
		db.AttachAdminRoutes(mux)
		arb.AttachAdminRoutes(mux)

		srv := api.NewServer(db, arb)
		srv.Identity = identity
		srv.Fixes = history
		if push != nil {
			srv.PushEvent = push.Emit
		}
		mux.Handle("/api/", srv.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
}

func allowedTypes(cfg *config.TuningConfig) []ble.DeviceType {
	var types []ble.DeviceType
	for _, t := range cfg.AllowedTypes {
		types = append(types, ble.DeviceType(t))
	}
	return types
}

// ingestSighting routes one advertisement through time matching into the store
// or the backlog.
func ingestSighting(ctx context.Context, ing *store.Ingestor, history *locate.History, backlog *locate.Backlog, ev ble.ScanEvent) {
	now := time.Now()
	fix, decision := history.Match(ev.DiscoveredAt, now)
	switch decision {
	case locate.Matched:
		ingest(ctx, ing, ev, fix)
	case locate.Deferred:
		backlog.Add(ev, now)
	case locate.Unlocated:
		ingest(ctx, ing, ev, nil)
	}
}

func ingest(ctx context.Context, ing *store.Ingestor, ev ble.ScanEvent, fix *locate.Fix) {
	if _, _, err := ing.Ingest(ctx, ev, fix); err != nil {
		log.Printf("failed to ingest sighting of %s: %v", ev.Addr, err)
	}
}

func logAlert(dev store.Device, ev detect.Evidence) {
	log.Printf("TRACKING ALERT: %s (%s) followed for %s across %d locations (%d beacons, mean RSSI %.1f)",
		dev.Address, dev.Type, ev.TimeFollowing.Round(time.Minute),
		ev.DistinctLocations, ev.BeaconCount, ev.MeanRSSI)
}
