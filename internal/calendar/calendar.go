// Package calendar lists upcoming care events on behalf of the system. The
// adapter authenticates with a system-level OAuth refresh token; individual
// users never delegate credentials to the engine.
package calendar

import (
	"context"
	"time"
)

// Event is one scheduled calendar entry.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
}

// Provider lists events in a half-open time window.
type Provider interface {
	Events(ctx context.Context, from, to time.Time) ([]Event, error)
}
