package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func parseMap(t *testing.T, values map[string]string) *Config {
	t.Helper()
	cfg, err := parse(func(key string) string { return values[key] })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func TestParseDefaults(t *testing.T) {
	cfg := parseMap(t, nil)

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.VolunteerMatchRadiusKm != 5 {
		t.Errorf("radius = %v, want 5", cfg.VolunteerMatchRadiusKm)
	}
	if cfg.WeatherPollInterval != 15*time.Minute {
		t.Errorf("weather interval = %v, want 15m", cfg.WeatherPollInterval)
	}
	if cfg.RetryPollInterval != 2*time.Minute {
		t.Errorf("retry interval = %v, want 2m", cfg.RetryPollInterval)
	}
	th := cfg.Thresholds()
	if th.TempHigh != 35 || th.WindHigh != 60 || th.RainLow != 5 {
		t.Errorf("thresholds = %+v", th)
	}
	if len(cfg.CalendarCareKeywords) != 6 {
		t.Errorf("care keywords = %v", cfg.CalendarCareKeywords)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg := parseMap(t, map[string]string{
		"PORT":                         "8080",
		"THRESHOLD_TEMP_HIGH":          "32.5",
		"STORM_KEYWORDS":               "Cyclone, Blizzard",
		"VOLUNTEER_MATCH_RADIUS_KM":    "7.5",
		"WEATHER_POLL_INTERVAL":        "5m",
		"RETRY_POLL_INTERVAL":          "90",
		"CALENDAR_CARE_KEYWORDS":       "mulching",
		"ALERT_ACCEPT_TIMEOUT_MINUTES": "10",
	})

	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.ThresholdTempHigh != 32.5 {
		t.Errorf("TempHigh = %v", cfg.ThresholdTempHigh)
	}
	if len(cfg.StormKeywords) != 2 || cfg.StormKeywords[0] != "cyclone" {
		t.Errorf("StormKeywords = %v, want lowercased [cyclone blizzard]", cfg.StormKeywords)
	}
	if cfg.VolunteerMatchRadiusKm != 7.5 {
		t.Errorf("radius = %v", cfg.VolunteerMatchRadiusKm)
	}
	if cfg.WeatherPollInterval != 5*time.Minute {
		t.Errorf("weather interval = %v", cfg.WeatherPollInterval)
	}
	// Bare integers are seconds.
	if cfg.RetryPollInterval != 90*time.Second {
		t.Errorf("retry interval = %v", cfg.RetryPollInterval)
	}
	if len(cfg.CalendarCareKeywords) != 1 || cfg.CalendarCareKeywords[0] != "mulching" {
		t.Errorf("care keywords = %v", cfg.CalendarCareKeywords)
	}
	if cfg.AlertAcceptTimeout != 10*time.Minute {
		t.Errorf("accept timeout = %v", cfg.AlertAcceptTimeout)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"PORT": "not-a-port"},
		{"PORT": "70000"},
		{"THRESHOLD_WIND_HIGH": "breezy"},
		{"VOLUNTEER_MATCH_RADIUS_KM": "-1"},
		{"WEATHER_POLL_INTERVAL": "soon"},
	}
	for _, values := range cases {
		if _, err := parse(func(key string) string { return values[key] }); err == nil {
			t.Errorf("parse(%v) accepted invalid input", values)
		}
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted empty JWT_SECRET")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	contents := "JWT_SECRET=from-file\nPORT=4321\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PORT", "")

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if cfg.Port != 4321 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

func TestReadFileDoesNotTouchEnvironment(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("THRESHOLD_TEMP_HIGH=30\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadFile(envPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if cfg.ThresholdTempHigh != 30 {
		t.Errorf("TempHigh = %v", cfg.ThresholdTempHigh)
	}
	if got := os.Getenv("THRESHOLD_TEMP_HIGH"); got != "" {
		t.Errorf("environment polluted: %q", got)
	}
}

func TestWatcherPushesReloadableSubset(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("THRESHOLD_TEMP_HIGH=35\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan Reloadable, 1)
	watcher, err := NewWatcher(envPath, func(r Reloadable) { reloads <- r })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(envPath, []byte("THRESHOLD_TEMP_HIGH=31\nVOLUNTEER_MATCH_RADIUS_KM=10\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-reloads:
		if r.ThresholdTempHigh != 31 {
			t.Errorf("TempHigh = %v, want 31", r.ThresholdTempHigh)
		}
		if r.VolunteerMatchRadiusKm != 10 {
			t.Errorf("radius = %v, want 10", r.VolunteerMatchRadiusKm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed after file change")
	}
}
