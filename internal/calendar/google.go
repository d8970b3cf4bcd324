package calendar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/canopyhq/canopy/internal/errors"
)

const (
	defaultEventsURL = "https://www.googleapis.com/calendar/v3/calendars/primary/events"
	defaultTimeout   = 15 * time.Second

	maxResponseBytes = 4 << 20
)

// GoogleClient adapts the Google Calendar events API to the Provider
// interface. The token source wraps the system refresh token and renews
// access tokens lazily; oauth2.ReuseTokenSource makes concurrent refreshes
// safe (last write wins, callers tolerate a duplicate refresh).
type GoogleClient struct {
	eventsURL  string
	httpClient *http.Client
}

// GoogleConfig carries the system-level OAuth credential.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// GoogleOption customizes the client.
type GoogleOption func(*GoogleClient)

// WithEventsURL overrides the API endpoint. Used by tests.
func WithEventsURL(u string) GoogleOption {
	return func(c *GoogleClient) { c.eventsURL = u }
}

// WithHTTPClient replaces the OAuth-wrapped HTTP client entirely. Used by
// tests to skip the token exchange.
func WithHTTPClient(hc *http.Client) GoogleOption {
	return func(c *GoogleClient) { c.httpClient = hc }
}

// NewGoogleClient builds a calendar provider from the system credential.
func NewGoogleClient(cfg GoogleConfig, opts ...GoogleOption) *GoogleClient {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/calendar.readonly"},
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}

	client := &GoogleClient{
		eventsURL:  defaultEventsURL,
		httpClient: oauth2.NewClient(context.Background(), oauthCfg.TokenSource(context.Background(), token)),
	}
	client.httpClient.Timeout = defaultTimeout

	for _, opt := range opts {
		opt(client)
	}
	return client
}

type googleEventsResponse struct {
	Items []struct {
		ID          string `json:"id"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      string `json:"status"`
		Start       struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
	} `json:"items"`
}

// Events lists non-cancelled events starting inside [from, to).
func (c *GoogleClient) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	const op = "calendar.events"

	query := url.Values{}
	query.Set("timeMin", from.UTC().Format(time.RFC3339))
	query.Set("timeMax", to.UTC().Format(time.RFC3339))
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eventsURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.KindProvider, op, nil,
			"calendar provider returned status %d", resp.StatusCode)
	}

	var body googleEventsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, errors.Wrap(errors.KindProvider, op, err)
	}

	events := make([]Event, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Status == "cancelled" || item.ID == "" {
			continue
		}
		events = append(events, Event{
			ID:          item.ID,
			Summary:     item.Summary,
			Description: item.Description,
			Start:       parseEventStart(item.Start.DateTime, item.Start.Date),
		})
	}
	return events, nil
}

// parseEventStart handles both timed events (dateTime) and all-day events
// (date only).
func parseEventStart(dateTime, date string) time.Time {
	if dateTime != "" {
		if t, err := time.Parse(time.RFC3339, dateTime); err == nil {
			return t
		}
	}
	if date != "" {
		if t, err := time.Parse("2006-01-02", date); err == nil {
			return t
		}
	}
	return time.Time{}
}
