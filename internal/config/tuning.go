package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the product-tuning parameters of the detection engine.
// All fields are optional pointers so partial JSON configs are safe; the Get*
// accessors supply defaults for anything unset. The defaults are tuning values
// carried over from field testing, not correctness requirements.
type TuningConfig struct {
	// Sighting store params
	CoalescingWindow     *string  `json:"coalescing_window,omitempty"`      // duration string like "15m"
	MaxAltitudeMeters    *float64 `json:"max_altitude_meters,omitempty"`    // airborne guard ceiling
	SaveManufacturerData *bool    `json:"save_manufacturer_data,omitempty"` // debug builds only
	AllowedTypes         []string `json:"allowed_types,omitempty"`          // empty means all types

	// Location correlation params
	DistanceThresholdMeters *float64 `json:"distance_threshold_meters,omitempty"`
	FixMatchTolerance       *string  `json:"fix_match_tolerance,omitempty"` // duration string like "5m"
	FixRetention            *string  `json:"fix_retention,omitempty"`
	MaxLocationWait         *string  `json:"max_location_wait,omitempty"`

	// Scan arbitration params
	GraceDelay      *string `json:"grace_delay,omitempty"`
	MaxScanStarts   *int    `json:"max_scan_starts,omitempty"`
	ScanStartWindow *string `json:"scan_start_window,omitempty"`

	// Detection params
	DetectionInterval    *string `json:"detection_interval,omitempty"`
	RetentionAge         *string `json:"retention_age,omitempty"`
	SafeRetentionAge     *string `json:"safe_retention_age,omitempty"`
	UseLocationDetection *bool   `json:"use_location_detection,omitempty"`

	// Identity-switching scan params
	IdentityScanDays     *int    `json:"identity_scan_days,omitempty"`
	IdentityMinDuration  *string `json:"identity_min_duration,omitempty"`
	IdentityMinLocations *int    `json:"identity_min_locations,omitempty"`
	IdentityMaxGap       *string `json:"identity_max_gap,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are parseable and sane.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"coalescing_window":     c.CoalescingWindow,
		"fix_match_tolerance":   c.FixMatchTolerance,
		"fix_retention":         c.FixRetention,
		"max_location_wait":     c.MaxLocationWait,
		"grace_delay":           c.GraceDelay,
		"scan_start_window":     c.ScanStartWindow,
		"detection_interval":    c.DetectionInterval,
		"retention_age":         c.RetentionAge,
		"safe_retention_age":    c.SafeRetentionAge,
		"identity_min_duration": c.IdentityMinDuration,
		"identity_max_gap":      c.IdentityMaxGap,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *v, err)
			}
		}
	}

	if c.DistanceThresholdMeters != nil && *c.DistanceThresholdMeters <= 0 {
		return fmt.Errorf("distance_threshold_meters must be positive, got %f", *c.DistanceThresholdMeters)
	}
	if c.MaxScanStarts != nil && *c.MaxScanStarts < 1 {
		return fmt.Errorf("max_scan_starts must be at least 1, got %d", *c.MaxScanStarts)
	}
	if c.IdentityMinLocations != nil && *c.IdentityMinLocations < 1 {
		return fmt.Errorf("identity_min_locations must be at least 1, got %d", *c.IdentityMinLocations)
	}

	return nil
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetCoalescingWindow returns the beacon coalescing window.
func (c *TuningConfig) GetCoalescingWindow() time.Duration {
	return c.duration(c.CoalescingWindow, 15*time.Minute)
}

// GetMaxAltitudeMeters returns the airborne-guard altitude ceiling.
func (c *TuningConfig) GetMaxAltitudeMeters() float64 {
	if c.MaxAltitudeMeters == nil {
		return 1500
	}
	return *c.MaxAltitudeMeters
}

// GetSaveManufacturerData reports whether raw payloads are persisted.
func (c *TuningConfig) GetSaveManufacturerData() bool {
	if c.SaveManufacturerData == nil {
		return false
	}
	return *c.SaveManufacturerData
}

// GetDistanceThresholdMeters returns the location cluster radius.
func (c *TuningConfig) GetDistanceThresholdMeters() float64 {
	if c.DistanceThresholdMeters == nil {
		return 150
	}
	return *c.DistanceThresholdMeters
}

// GetFixMatchTolerance returns the max |Δt| for matching a fix to a sighting.
func (c *TuningConfig) GetFixMatchTolerance() time.Duration {
	return c.duration(c.FixMatchTolerance, 5*time.Minute)
}

// GetFixRetention returns how long rolling location fixes are kept.
func (c *TuningConfig) GetFixRetention() time.Duration {
	return c.duration(c.FixRetention, time.Hour)
}

// GetMaxLocationWait returns how long a sighting may wait for a location fix
// before it is persisted without one.
func (c *TuningConfig) GetMaxLocationWait() time.Duration {
	return c.duration(c.MaxLocationWait, 2*time.Minute)
}

// GetGraceDelay returns the stop-to-start settling delay for scan preemption.
func (c *TuningConfig) GetGraceDelay() time.Duration {
	return c.duration(c.GraceDelay, 500*time.Millisecond)
}

// GetMaxScanStarts returns the scan start budget per rolling window.
func (c *TuningConfig) GetMaxScanStarts() int {
	if c.MaxScanStarts == nil {
		return 5
	}
	return *c.MaxScanStarts
}

// GetScanStartWindow returns the rolling window for the start-rate throttle.
func (c *TuningConfig) GetScanStartWindow() time.Duration {
	return c.duration(c.ScanStartWindow, 30*time.Second)
}

// GetDetectionInterval returns how often the risk detector runs.
func (c *TuningConfig) GetDetectionInterval() time.Duration {
	return c.duration(c.DetectionInterval, 15*time.Minute)
}

// GetRetentionAge returns the age past which never-alerted records are swept.
func (c *TuningConfig) GetRetentionAge() time.Duration {
	return c.duration(c.RetentionAge, 14*24*time.Hour)
}

// GetSafeRetentionAge returns the shorter age past which devices marked safe
// are swept.
func (c *TuningConfig) GetSafeRetentionAge() time.Duration {
	return c.duration(c.SafeRetentionAge, 7*24*time.Hour)
}

// GetUseLocationDetection reports whether distinct-location evidence is
// required for alerts.
func (c *TuningConfig) GetUseLocationDetection() bool {
	if c.UseLocationDetection == nil {
		return true
	}
	return *c.UseLocationDetection
}

// GetIdentityScanDays returns the identity-switching lookback in days.
func (c *TuningConfig) GetIdentityScanDays() int {
	if c.IdentityScanDays == nil {
		return 1
	}
	return *c.IdentityScanDays
}

// GetIdentityMinDuration returns the continuous-session duration bound.
func (c *TuningConfig) GetIdentityMinDuration() time.Duration {
	return c.duration(c.IdentityMinDuration, 30*time.Minute)
}

// GetIdentityMinLocations returns the distinct-location bound for identity
// sessions.
func (c *TuningConfig) GetIdentityMinLocations() int {
	if c.IdentityMinLocations == nil {
		return 3
	}
	return *c.IdentityMinLocations
}

// GetIdentityMaxGap returns the max inter-sighting gap inside one session.
func (c *TuningConfig) GetIdentityMaxGap() time.Duration {
	return c.duration(c.IdentityMaxGap, 15*time.Minute)
}
