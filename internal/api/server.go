// Package api exposes the engine's state over a small JSON HTTP surface:
// devices, beacons, alerts, and scan statistics, plus a trigger for a manual
// scan. Mutations are limited to ignore flags and scan control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/detect"
	"github.com/seemoo-lab/AirGuard-sub000/internal/locate"
	"github.com/seemoo-lab/AirGuard-sub000/internal/scanarbiter"
	"github.com/seemoo-lab/AirGuard-sub000/internal/store"
)

// ANSI escape codes for request log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const manualScanOwner = "api-manual"

type Server struct {
	db  *store.DB
	arb *scanarbiter.Arbiter

	// PushEvent, when set, receives advertisements posted to /api/events and
	// reports whether the active scan accepted the event. The daemon wires it
	// to the push radio so arbitration and filters stay in the loop.
	PushEvent func(ev ble.ScanEvent) bool

	// Fixes, when set, receives location fixes posted to /api/location.
	Fixes interface{ Add(f locate.Fix) }

	// Identity, when set, backs the on-demand identity-switching analysis.
	Identity *detect.IdentityScan
}

func NewServer(db *store.DB, arb *scanarbiter.Arbiter) *Server {
	return &Server{db: db, arb: arb}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/devices/{address}/beacons", s.listDeviceBeacons)
	mux.HandleFunc("POST /api/devices/{address}/ignore", s.setIgnored)
	mux.HandleFunc("GET /api/alerts", s.listAlerts)
	mux.HandleFunc("GET /api/stats", s.showStats)
	mux.HandleFunc("POST /api/scan", s.startManualScan)
	mux.HandleFunc("POST /api/scan/stop", s.stopManualScan)
	mux.HandleFunc("POST /api/events", s.pushEvent)
	mux.HandleFunc("POST /api/location", s.pushLocation)
	mux.HandleFunc("GET /api/identity", s.showIdentityScan)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// listDevices returns all known devices, newest sighting first. An optional
// hours parameter restricts to devices seen within that many hours.
func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	var devices []store.Device
	var err error
	if h := r.URL.Query().Get("hours"); h != "" {
		hours, perr := strconv.Atoi(h)
		if perr != nil || hours < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return
		}
		devices, err = s.db.DevicesSeenSince(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	} else {
		devices, err = s.db.Devices(r.Context())
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve devices: %v", err))
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	s.writeJSON(w, devices)
}

func (s *Server) listDeviceBeacons(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	dev, err := s.db.DeviceByAddress(r.Context(), address)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve device: %v", err))
		return
	}
	if dev == nil {
		s.writeJSONError(w, http.StatusNotFound, "Unknown device")
		return
	}

	since := dev.FirstSeen
	if h := r.URL.Query().Get("hours"); h != "" {
		hours, perr := strconv.Atoi(h)
		if perr != nil || hours < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return
		}
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	beacons, err := s.db.BeaconsForDeviceSince(r.Context(), address, since)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve beacons: %v", err))
		return
	}
	if beacons == nil {
		beacons = []store.Beacon{}
	}
	s.writeJSON(w, map[string]interface{}{
		"device":  dev,
		"beacons": beacons,
	})
}

func (s *Server) setIgnored(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	ignored := r.FormValue("ignored") != "false"
	if err := s.db.SetIgnored(r.Context(), address, ignored); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to update ignore flag: %v", err))
		return
	}
	s.writeJSON(w, map[string]interface{}{"address": address, "ignored": ignored})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	devices, err := s.db.AlertedDevices(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve alerts: %v", err))
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	s.writeJSON(w, devices)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := s.db.CountDevices(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to count devices: %v", err))
		return
	}
	beacons, err := s.db.CountBeacons(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to count beacons: %v", err))
		return
	}
	locations, err := s.db.CountLocations(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to count locations: %v", err))
		return
	}
	lastScan, err := s.db.LastScan(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to query last scan: %v", err))
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"devices":       devices,
		"beacons":       beacons,
		"locations":     locations,
		"last_scan":     lastScan,
		"arbiter_state": s.arbiterState(ctx),
	})
}

func (s *Server) arbiterState(ctx context.Context) string {
	if s.arb == nil {
		return "disabled"
	}
	return s.arb.State(ctx)
}

// startManualScan preempts whatever is running with a high priority scan on
// behalf of the user. Results flow to arbiter subscribers as usual.
func (s *Server) startManualScan(w http.ResponseWriter, r *http.Request) {
	if s.arb == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Scanning not available")
		return
	}
	err := s.arb.StartScan(r.Context(), manualScanOwner, nil,
		scanarbiter.Settings{Mode: scanarbiter.ModeLowLatency, Manual: true},
		&scanarbiter.Callback{}, scanarbiter.PriorityHigh, true)
	switch {
	case errors.Is(err, scanarbiter.ErrThrottled):
		s.writeJSONError(w, http.StatusTooManyRequests, "Scan start rate limit reached")
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to start scan: %v", err))
		return
	}
	s.writeJSON(w, map[string]string{"status": "scanning"})
}

func (s *Server) stopManualScan(w http.ResponseWriter, r *http.Request) {
	if s.arb == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Scanning not available")
		return
	}
	if err := s.arb.StopScan(r.Context(), manualScanOwner); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop scan: %v", err))
		return
	}
	s.writeJSON(w, map[string]string{"status": "stopped"})
}

// pushedEvent is the wire format of the advertisement ingest endpoint.
type pushedEvent struct {
	Addr             string            `json:"addr"`
	RSSI             int               `json:"rssi"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	Connectable      bool              `json:"connectable"`
	// DiscoveredUnixMs is optional; zero means the arrival time of the request.
	DiscoveredUnixMs int64 `json:"discovered_unix_ms,omitempty"`
}

// pushEvent accepts one advertisement from a platform-side scanner. Events
// arriving while no scan is active are dropped, which the response reports.
func (s *Server) pushEvent(w http.ResponseWriter, r *http.Request) {
	if s.PushEvent == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Event ingest not available")
		return
	}
	var pe pushedEvent
	if err := json.NewDecoder(r.Body).Decode(&pe); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid event: %v", err))
		return
	}
	if pe.Addr == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing device address")
		return
	}
	ev := ble.ScanEvent{
		Addr:             pe.Addr,
		RSSI:             pe.RSSI,
		ManufacturerData: pe.ManufacturerData,
		ServiceData:      pe.ServiceData,
		Connectable:      pe.Connectable,
		DiscoveredAt:     time.Now(),
	}
	if pe.DiscoveredUnixMs != 0 {
		ev.DiscoveredAt = time.UnixMilli(pe.DiscoveredUnixMs)
	}
	s.writeJSON(w, map[string]bool{"accepted": s.PushEvent(ev)})
}

type pushedFix struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Altitude float64 `json:"altitude"`
	Accuracy float64 `json:"accuracy"`
	// AtUnixMs is optional; zero means the arrival time of the request.
	AtUnixMs int64 `json:"at_unix_ms,omitempty"`
}

func (s *Server) pushLocation(w http.ResponseWriter, r *http.Request) {
	if s.Fixes == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Location ingest not available")
		return
	}
	var pf pushedFix
	if err := json.NewDecoder(r.Body).Decode(&pf); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid fix: %v", err))
		return
	}
	fix := locate.Fix{
		Lat:      pf.Lat,
		Lng:      pf.Lng,
		Altitude: pf.Altitude,
		Accuracy: pf.Accuracy,
		At:       time.Now(),
	}
	if pf.AtUnixMs != 0 {
		fix.At = time.UnixMilli(pf.AtUnixMs)
	}
	s.Fixes.Add(fix)
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// showIdentityScan runs the identity-switching batch analyses on demand and
// reports suspect addresses per crowd-finding network, the motion-triggered
// suspects, and the cross-network verdict.
func (s *Server) showIdentityScan(w http.ResponseWriter, r *http.Request) {
	if s.Identity == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Identity analysis not available")
		return
	}
	ctx := r.Context()

	networks := []ble.Network{
		ble.NetworkFindMy, ble.NetworkSmartThings, ble.NetworkTile,
		ble.NetworkChipolo, ble.NetworkPebbleBee,
	}
	perNetwork := make(map[string][]string, len(networks))
	for _, n := range networks {
		suspects, err := s.Identity.PerNetwork(ctx, n)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("Identity analysis failed for %s: %v", n, err))
			return
		}
		if suspects == nil {
			suspects = []string{}
		}
		perNetwork[string(n)] = suspects
	}

	motion, err := s.Identity.MotionSuspects(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Motion analysis failed: %v", err))
		return
	}
	if motion == nil {
		motion = []string{}
	}

	crossNetwork, err := s.Identity.CrossNetwork(ctx)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Cross-network analysis failed: %v", err))
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"per_network":   perNetwork,
		"motion":        motion,
		"cross_network": crossNetwork,
	})
}
