// Package config loads engine settings from a .env file with environment
// variable overrides. A small subset of the settings, the dispatch tunables,
// can be reloaded at runtime by the file watcher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/threshold"
)

// Config holds all recognized engine settings.
type Config struct {
	// Server settings
	Port                int
	AllowedClientOrigin string

	// Storage
	DBURI  string
	DBName string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Weather provider
	WeatherAPIKey string

	// Alert thresholds
	ThresholdTempHigh float64
	ThresholdWindHigh float64
	ThresholdRainLow  float64
	StormKeywords     []string

	// Dispatch tunables
	VolunteerMatchRadiusKm float64
	WeatherPollInterval    time.Duration
	RetryPollInterval      time.Duration
	CalendarPollInterval   time.Duration

	// AlertAcceptTimeout is recognized and parsed for forward compatibility;
	// nothing consumes it yet. Accepted alerts are currently released through
	// resolve or an admin cancel only.
	AlertAcceptTimeout time.Duration

	// Calendar provider. The refresh token belongs to the platform's system
	// calendar account.
	CalendarCareKeywords       []string
	CalendarClientID           string
	CalendarClientSecret       string
	CalendarSystemRefreshToken string

	// Logging settings
	LogLevel  string
	LogFormat string
}

// Defaults mirror the platform's documented fallbacks.
func defaults() *Config {
	return &Config{
		Port:                   3000,
		DBURI:                  "mongodb://localhost:27017",
		DBName:                 "canopy",
		JWTExpiry:              24 * time.Hour,
		ThresholdTempHigh:      35,
		ThresholdWindHigh:      60,
		ThresholdRainLow:       5,
		StormKeywords:          []string{"thunderstorm", "tornado", "hurricane"},
		VolunteerMatchRadiusKm: 5,
		WeatherPollInterval:    15 * time.Minute,
		RetryPollInterval:      2 * time.Minute,
		CalendarPollInterval:   time.Hour,
		CalendarCareKeywords:   []string{"watering", "pruning", "inspection", "trimming", "fertilizing", "treatment"},
		LogLevel:               "info",
		LogFormat:              "auto",
	}
}

// Load reads the .env file at envPath, if present, and then applies
// environment variable overrides. A missing file is not an error; the
// environment alone can carry the full configuration.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", envPath, err)
			}
			log.Debug().Str("path", envPath).Msg("No .env file, using environment only")
		}
	}
	cfg, err := parse(os.Getenv)
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

// ReadFile parses the .env file directly, without touching the process
// environment. The watcher uses it to pick up edits to reloadable settings.
func ReadFile(envPath string) (*Config, error) {
	values, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", envPath, err)
	}
	return parse(func(key string) string { return values[key] })
}

func parse(lookup func(string) string) (*Config, error) {
	cfg := defaults()
	var err error

	setStr(lookup, "ALLOWED_CLIENT_ORIGIN", &cfg.AllowedClientOrigin)
	setStr(lookup, "DB_URI", &cfg.DBURI)
	setStr(lookup, "DB_NAME", &cfg.DBName)
	setStr(lookup, "JWT_SECRET", &cfg.JWTSecret)
	setStr(lookup, "WEATHER_API_KEY", &cfg.WeatherAPIKey)
	setStr(lookup, "CALENDAR_CLIENT_ID", &cfg.CalendarClientID)
	setStr(lookup, "CALENDAR_CLIENT_SECRET", &cfg.CalendarClientSecret)
	setStr(lookup, "CALENDAR_SYSTEM_REFRESH_TOKEN", &cfg.CalendarSystemRefreshToken)
	setStr(lookup, "LOG_LEVEL", &cfg.LogLevel)
	setStr(lookup, "LOG_FORMAT", &cfg.LogFormat)
	setList(lookup, "STORM_KEYWORDS", &cfg.StormKeywords)
	setList(lookup, "CALENDAR_CARE_KEYWORDS", &cfg.CalendarCareKeywords)

	if err = setInt(lookup, "PORT", &cfg.Port); err != nil {
		return nil, err
	}
	if err = setFloat(lookup, "THRESHOLD_TEMP_HIGH", &cfg.ThresholdTempHigh); err != nil {
		return nil, err
	}
	if err = setFloat(lookup, "THRESHOLD_WIND_HIGH", &cfg.ThresholdWindHigh); err != nil {
		return nil, err
	}
	if err = setFloat(lookup, "THRESHOLD_RAIN_LOW", &cfg.ThresholdRainLow); err != nil {
		return nil, err
	}
	if err = setFloat(lookup, "VOLUNTEER_MATCH_RADIUS_KM", &cfg.VolunteerMatchRadiusKm); err != nil {
		return nil, err
	}
	if err = setDuration(lookup, "JWT_EXPIRY", &cfg.JWTExpiry); err != nil {
		return nil, err
	}
	if err = setDuration(lookup, "WEATHER_POLL_INTERVAL", &cfg.WeatherPollInterval); err != nil {
		return nil, err
	}
	if err = setDuration(lookup, "RETRY_POLL_INTERVAL", &cfg.RetryPollInterval); err != nil {
		return nil, err
	}
	if err = setDuration(lookup, "CALENDAR_POLL_INTERVAL", &cfg.CalendarPollInterval); err != nil {
		return nil, err
	}
	if err = setMinutes(lookup, "ALERT_ACCEPT_TIMEOUT_MINUTES", &cfg.AlertAcceptTimeout); err != nil {
		return nil, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	if cfg.VolunteerMatchRadiusKm <= 0 {
		return nil, fmt.Errorf("VOLUNTEER_MATCH_RADIUS_KM must be positive")
	}
	return cfg, nil
}

// Thresholds projects the weather rule settings for the evaluator.
func (c *Config) Thresholds() threshold.Config {
	return threshold.Config{
		TempHigh:      c.ThresholdTempHigh,
		WindHigh:      c.ThresholdWindHigh,
		RainLow:       c.ThresholdRainLow,
		StormKeywords: c.StormKeywords,
	}
}

func setStr(lookup func(string) string, key string, dst *string) {
	if v := strings.TrimSpace(lookup(key)); v != "" {
		*dst = v
	}
}

func setList(lookup func(string) string, key string, dst *[]string) {
	raw := lookup(key)
	if strings.TrimSpace(raw) == "" {
		return
	}
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, strings.ToLower(part))
		}
	}
	if len(items) > 0 {
		*dst = items
	}
}

func setInt(lookup func(string) string, key string, dst *int) error {
	v := strings.TrimSpace(lookup(key))
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setFloat(lookup func(string) string, key string, dst *float64) error {
	v := strings.TrimSpace(lookup(key))
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// setDuration accepts Go duration strings ("15m") and, for compatibility with
// older deployments, bare integers meaning seconds.
func setDuration(lookup func(string) string, key string, dst *time.Duration) error {
	v := strings.TrimSpace(lookup(key))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setMinutes(lookup func(string) string, key string, dst *time.Duration) error {
	v := strings.TrimSpace(lookup(key))
	if v == "" {
		return nil
	}
	mins, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(mins) * time.Minute
	return nil
}
