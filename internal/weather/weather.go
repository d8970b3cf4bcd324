// Package weather fetches per-tree weather snapshots. The provider adapter
// owns unit normalization; everything downstream works in °C, km/h, and mm.
package weather

import (
	"context"

	"github.com/canopyhq/canopy/internal/models"
)

// Provider returns a weather snapshot for a coordinate pair.
type Provider interface {
	Snapshot(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error)
}
