// Package threshold turns a per-tree weather snapshot into the set of alert
// rules it breaches. The evaluator is pure: no I/O, no clock, no state.
package threshold

import (
	"strings"

	"github.com/canopyhq/canopy/internal/models"
)

// Config holds the recognized threshold options. Comparisons are strict:
// temperature must exceed TempHigh, wind must exceed WindHigh, and rainfall
// must fall below RainLow for the corresponding rule to fire.
type Config struct {
	TempHigh      float64  // °C upper bound
	WindHigh      float64  // km/h upper bound
	RainLow       float64  // mm lower bound (drought)
	StormKeywords []string // case-insensitive substrings
}

// DefaultConfig mirrors the platform defaults.
func DefaultConfig() Config {
	return Config{
		TempHigh:      35,
		WindHigh:      60,
		RainLow:       5,
		StormKeywords: []string{"thunderstorm", "tornado", "hurricane"},
	}
}

// Breach is a single triggered rule.
type Breach struct {
	Type              models.AlertType
	ThresholdBreached models.ThresholdBreached
}

// Evaluate applies every rule independently and returns the breaches, in rule
// order. A snapshot missing a field skips the corresponding rule; a breach is
// never fabricated from an absent value.
func Evaluate(snapshot models.WeatherSnapshot, cfg Config) []Breach {
	var breaches []Breach

	if snapshot.HasTemperature && snapshot.Temperature > cfg.TempHigh {
		breaches = append(breaches, Breach{
			Type: models.AlertTypeHighTemperature,
			ThresholdBreached: models.ThresholdBreached{
				Field:     "temperature",
				Value:     snapshot.Temperature,
				Threshold: cfg.TempHigh,
			},
		})
	}

	if snapshot.HasWindSpeed && snapshot.WindSpeed > cfg.WindHigh {
		breaches = append(breaches, Breach{
			Type: models.AlertTypeHighWind,
			ThresholdBreached: models.ThresholdBreached{
				Field:     "windSpeed",
				Value:     snapshot.WindSpeed,
				Threshold: cfg.WindHigh,
			},
		})
	}

	if snapshot.HasRainfall && snapshot.Rainfall < cfg.RainLow {
		breaches = append(breaches, Breach{
			Type: models.AlertTypeDrought,
			ThresholdBreached: models.ThresholdBreached{
				Field:     "rainfall",
				Value:     snapshot.Rainfall,
				Threshold: cfg.RainLow,
			},
		})
	}

	if keyword, ok := matchStormKeyword(snapshot.Description, cfg.StormKeywords); ok {
		breaches = append(breaches, Breach{
			Type: models.AlertTypeStorm,
			ThresholdBreached: models.ThresholdBreached{
				Field:     "description",
				Value:     snapshot.Description,
				Threshold: keyword,
			},
		})
	}

	return breaches
}

func matchStormKeyword(description string, keywords []string) (string, bool) {
	if description == "" {
		return "", false
	}
	lowered := strings.ToLower(description)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, keyword) {
			return keyword, true
		}
	}
	return "", false
}
