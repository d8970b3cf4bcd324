package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	canopyerrors "github.com/canopyhq/canopy/internal/errors"
)

func serveJSON(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("units") != "metric" {
			t.Errorf("expected units=metric, got %q", r.URL.Query().Get("units"))
		}
		if r.URL.Query().Get("appid") == "" {
			t.Error("expected appid query param")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSnapshotNormalizesUnits(t *testing.T) {
	server := serveJSON(t, http.StatusOK, `{
		"main": {"temp": 31.5, "humidity": 70},
		"wind": {"speed": 10},
		"rain": {"1h": 1.2},
		"weather": [{"description": "moderate rain"}]
	}`)

	client := NewOpenWeatherClient("key", WithBaseURL(server.URL), WithRateLimit(1000, 1000))
	snapshot, err := client.Snapshot(context.Background(), 6.9275, 79.8615)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if !snapshot.HasTemperature || snapshot.Temperature != 31.5 {
		t.Fatalf("temperature = %+v", snapshot)
	}
	// 10 m/s is 36 km/h.
	if !snapshot.HasWindSpeed || snapshot.WindSpeed != 36 {
		t.Fatalf("windSpeed = %v", snapshot.WindSpeed)
	}
	if !snapshot.HasRainfall || snapshot.Rainfall != 1.2 {
		t.Fatalf("rainfall = %v", snapshot.Rainfall)
	}
	if snapshot.Humidity != 70 || snapshot.Description != "moderate rain" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestSnapshotAbsentRainReadsAsZero(t *testing.T) {
	server := serveJSON(t, http.StatusOK, `{
		"main": {"temp": 40, "humidity": 30},
		"wind": {"speed": 1},
		"weather": [{"description": "clear sky"}]
	}`)

	client := NewOpenWeatherClient("key", WithBaseURL(server.URL), WithRateLimit(1000, 1000))
	snapshot, err := client.Snapshot(context.Background(), 6.9275, 79.8615)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snapshot.HasRainfall || snapshot.Rainfall != 0 {
		t.Fatalf("expected 0mm rainfall marked present, got %+v", snapshot)
	}
}

func TestSnapshotEmptyBodyMarksFieldsMissing(t *testing.T) {
	server := serveJSON(t, http.StatusOK, `{}`)

	client := NewOpenWeatherClient("key", WithBaseURL(server.URL), WithRateLimit(1000, 1000))
	snapshot, err := client.Snapshot(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.HasTemperature || snapshot.HasWindSpeed || snapshot.HasRainfall {
		t.Fatalf("expected all fields missing, got %+v", snapshot)
	}
}

func TestSnapshotProviderErrorStatus(t *testing.T) {
	server := serveJSON(t, http.StatusTooManyRequests, `{"message":"rate limited"}`)

	client := NewOpenWeatherClient("key", WithBaseURL(server.URL), WithRateLimit(1000, 1000))
	_, err := client.Snapshot(context.Background(), 0, 0)
	if !errors.Is(err, canopyerrors.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestSnapshotHonorsContextCancellation(t *testing.T) {
	client := NewOpenWeatherClient("key", WithRateLimit(0.001, 1))
	// Exhaust the burst so the limiter blocks, then cancel.
	_ = client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Snapshot(ctx, 0, 0); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
