package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetCoalescingWindow(); got != 15*time.Minute {
		t.Errorf("coalescing window default: got %s", got)
	}
	if got := cfg.GetDistanceThresholdMeters(); got != 150 {
		t.Errorf("distance threshold default: got %f", got)
	}
	if got := cfg.GetMaxAltitudeMeters(); got != 1500 {
		t.Errorf("altitude ceiling default: got %f", got)
	}
	if got := cfg.GetFixMatchTolerance(); got != 5*time.Minute {
		t.Errorf("fix match tolerance default: got %s", got)
	}
	if got := cfg.GetMaxScanStarts(); got != 5 {
		t.Errorf("max scan starts default: got %d", got)
	}
	if got := cfg.GetScanStartWindow(); got != 30*time.Second {
		t.Errorf("scan start window default: got %s", got)
	}
	if got := cfg.GetRetentionAge(); got != 14*24*time.Hour {
		t.Errorf("retention age default: got %s", got)
	}
	if got := cfg.GetSafeRetentionAge(); got != 7*24*time.Hour {
		t.Errorf("safe retention age default: got %s", got)
	}
	if !cfg.GetUseLocationDetection() {
		t.Error("location detection should default to enabled")
	}
	if cfg.GetSaveManufacturerData() {
		t.Error("manufacturer data persistence should default to off")
	}
	if got := cfg.GetIdentityMaxGap(); got != 15*time.Minute {
		t.Errorf("identity max gap default: got %s", got)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"coalescing_window": "5m", "max_scan_starts": 10}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.GetCoalescingWindow())
	require.Equal(t, 10, cfg.GetMaxScanStarts())
	// Untouched fields keep their defaults.
	require.Equal(t, 150.0, cfg.GetDistanceThresholdMeters())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad duration", `{"coalescing_window": "fifteen minutes"}`},
		{"negative distance", `{"distance_threshold_meters": -1}`},
		{"zero starts", `{"max_scan_starts": 0}`},
		{"not json", `coalescing_window = 15m`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeConfig(t, c.content)
			if _, err := LoadTuningConfig(path); err == nil {
				t.Errorf("expected error for %s", c.name)
			}
		})
	}
}

func TestLoadConfigRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("expected error for non-json extension")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultsFileParses(t *testing.T) {
	cfg, err := LoadTuningConfig(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("failed to load shipped defaults: %v", err)
	}
	if got := cfg.GetCoalescingWindow(); got != 15*time.Minute {
		t.Errorf("shipped coalescing window: got %s", got)
	}
	if got := cfg.GetRetentionAge(); got != 14*24*time.Hour {
		t.Errorf("shipped retention age: got %s", got)
	}
}
