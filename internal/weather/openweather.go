package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/models"
)

const (
	defaultBaseURL   = "https://api.openweathermap.org/data/2.5/weather"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = rate.Limit(1) // requests per second

	maxResponseBytes = 1 << 20
)

// OpenWeatherClient adapts the OpenWeather current-weather API to the
// Provider interface. Calls are paced by a token-bucket limiter so sweeps
// stay inside the provider's quota.
type OpenWeatherClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// OpenWeatherOption customizes the client.
type OpenWeatherOption func(*OpenWeatherClient)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(u string) OpenWeatherOption {
	return func(c *OpenWeatherClient) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) OpenWeatherOption {
	return func(c *OpenWeatherClient) { c.httpClient = hc }
}

// WithRateLimit overrides the request pacing.
func WithRateLimit(perSecond float64, burst int) OpenWeatherOption {
	return func(c *OpenWeatherClient) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewOpenWeatherClient builds a provider adapter with sane defaults.
func NewOpenWeatherClient(apiKey string, opts ...OpenWeatherOption) *OpenWeatherClient {
	c := &OpenWeatherClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(defaultRateLimit, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// openWeatherResponse mirrors the fields we read from the provider. Pointers
// distinguish absent fields from zero values.
type openWeatherResponse struct {
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Wind *struct {
		Speed *float64 `json:"speed"` // m/s with units=metric
	} `json:"wind"`
	Rain *struct {
		OneHour *float64 `json:"1h"` // mm over the preceding hour
	} `json:"rain"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Snapshot fetches and normalizes the current weather at (lat, lon).
func (c *OpenWeatherClient) Snapshot(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error) {
	const op = "weather.snapshot"

	if err := c.limiter.Wait(ctx); err != nil {
		return models.WeatherSnapshot{}, errors.Wrap(errors.KindProvider, op, err)
	}

	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%f", lat))
	query.Set("lon", fmt.Sprintf("%f", lon))
	query.Set("units", "metric")
	query.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return models.WeatherSnapshot{}, errors.Wrap(errors.KindInternal, op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.WeatherSnapshot{}, errors.Wrap(errors.KindProvider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.WeatherSnapshot{}, errors.Wrapf(errors.KindProvider, op, nil,
			"weather provider returned status %d", resp.StatusCode)
	}

	var body openWeatherResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return models.WeatherSnapshot{}, errors.Wrap(errors.KindProvider, op, err)
	}

	return normalize(body), nil
}

// normalize converts provider units to engine units. Wind arrives in m/s and
// leaves in km/h. The provider omits the rain block entirely when no rain
// fell, so an absent rain field reads as 0mm rather than missing.
func normalize(body openWeatherResponse) models.WeatherSnapshot {
	var snapshot models.WeatherSnapshot

	if body.Main != nil && body.Main.Temp != nil {
		snapshot.Temperature = *body.Main.Temp
		snapshot.HasTemperature = true
	}
	if body.Main != nil && body.Main.Humidity != nil {
		snapshot.Humidity = *body.Main.Humidity
	}
	if body.Wind != nil && body.Wind.Speed != nil {
		snapshot.WindSpeed = *body.Wind.Speed * 3.6
		snapshot.HasWindSpeed = true
	}
	// The rain block is only omitted from otherwise-complete responses when
	// no rain fell, so its absence reads as 0mm. A response with no main
	// block at all keeps rainfall marked missing.
	if body.Main != nil {
		snapshot.HasRainfall = true
		if body.Rain != nil && body.Rain.OneHour != nil {
			snapshot.Rainfall = *body.Rain.OneHour
		}
	}
	if len(body.Weather) > 0 {
		snapshot.Description = body.Weather[0].Description
	}

	return snapshot
}
