// Package dispatch creates alerts and offers them to nearby volunteers.
//
// Creation is idempotent per (tree, type): while an alert for that pair is
// still active, further creation attempts are rejected with a conflict. The
// caller decides whether a conflict is an error (admin API) or a routine skip
// (the weather and calendar sweeps).
package dispatch

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/push"
	"github.com/canopyhq/canopy/internal/store"
)

// DefaultRadiusKm is the matching radius used when none is configured.
const DefaultRadiusKm = 5.0

// AlertWriter is the slice of the alert store the engine needs.
type AlertWriter interface {
	Insert(ctx context.Context, alert *models.Alert) error
	HasActive(ctx context.Context, treeID string, alertType models.AlertType) (bool, error)
	HasActiveForCalendarEvent(ctx context.Context, eventID string) (bool, error)
	AddNotified(ctx context.Context, alertID string, volunteerIDs []string) error
}

// TreeReader resolves the tree an alert is raised for.
type TreeReader interface {
	GetByID(ctx context.Context, id string) (*models.Tree, error)
}

// VolunteerFinder performs the geospatial match.
type VolunteerFinder interface {
	FindNearbyAvailable(ctx context.Context, point models.GeoPoint, radiusMeters float64, limit int) ([]models.Volunteer, error)
}

// Engine turns trigger conditions into persisted, broadcast alerts.
type Engine struct {
	alerts     AlertWriter
	trees      TreeReader
	volunteers VolunteerFinder
	bus        push.Bus

	mu       sync.RWMutex
	radiusKm float64
}

// NewEngine wires an engine. A non-positive radius falls back to the default.
func NewEngine(alerts AlertWriter, trees TreeReader, volunteers VolunteerFinder, bus push.Bus, radiusKm float64) *Engine {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if bus == nil {
		bus = push.NopBus{}
	}
	return &Engine{alerts: alerts, trees: trees, volunteers: volunteers, bus: bus, radiusKm: radiusKm}
}

// SetRadiusKm swaps the matching radius. Called by the config reloader.
func (e *Engine) SetRadiusKm(radiusKm float64) {
	if radiusKm <= 0 {
		return
	}
	e.mu.Lock()
	e.radiusKm = radiusKm
	e.mu.Unlock()
}

func (e *Engine) radius() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.radiusKm
}

// Request describes the alert to raise.
type Request struct {
	TreeID            string
	Type              models.AlertType
	Source            models.AlertSource
	WeatherSnapshot   *models.WeatherSnapshot
	CalendarEventID   string
	ThresholdBreached models.ThresholdBreached
}

// Result reports what CreateAlert did.
type Result struct {
	Alert         *models.Alert
	NotifiedCount int
}

// CreateAlert persists a searching alert for the tree, matches available
// volunteers within the radius and broadcasts new_alert to each of them. An
// alert with no match stays in searching; the retry sweep escalates it.
func (e *Engine) CreateAlert(ctx context.Context, req Request) (*Result, error) {
	const op = "dispatch.CreateAlert"

	if err := req.validate(); err != nil {
		return nil, err
	}

	tree, err := e.trees.GetByID(ctx, req.TreeID)
	if stderrors.Is(err, store.ErrNoMatch) {
		return nil, errors.New(errors.KindNotFound, op, "Tree not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	if !tree.Active {
		return nil, errors.New(errors.KindNotFound, op, "Tree not found")
	}

	if err := e.checkDedupe(ctx, op, req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	alert := &models.Alert{
		ID:                uuid.NewString(),
		TreeID:            tree.ID,
		Type:              req.Type,
		Source:            req.Source,
		Status:            models.AlertStatusSearching,
		WeatherSnapshot:   req.WeatherSnapshot,
		CalendarEventID:   req.CalendarEventID,
		ThresholdBreached: req.ThresholdBreached,
		Location:          tree.Location,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.alerts.Insert(ctx, alert); err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	metrics.RecordAlertCreated(string(req.Type), string(req.Source))

	matched, err := e.volunteers.FindNearbyAvailable(ctx, tree.Location, e.radius()*1000, store.DefaultNearbyLimit)
	if err != nil {
		// The alert exists; a failed match is recoverable via the retry sweep.
		log.Error().Err(err).Str("alert", alert.ID).Msg("Volunteer match failed, leaving alert in searching")
		return &Result{Alert: alert}, nil
	}

	if len(matched) > 0 {
		ids := volunteerIDs(matched)
		if err := e.alerts.AddNotified(ctx, alert.ID, ids); err != nil {
			log.Error().Err(err).Str("alert", alert.ID).Msg("Failed to record notified volunteers")
		} else {
			alert.NotifiedVolunteers = ids
		}
		e.bus.ToVolunteers(ids, push.EventNewAlert, newAlertPayload(alert, tree, false))
	}

	log.Info().
		Str("alert", alert.ID).
		Str("tree", tree.ID).
		Str("type", string(req.Type)).
		Int("notified", len(matched)).
		Msg("Alert created")

	return &Result{Alert: alert, NotifiedCount: len(matched)}, nil
}

func (req Request) validate() error {
	const op = "dispatch.CreateAlert"
	if req.TreeID == "" {
		return errors.New(errors.KindValidation, op, "treeId is required")
	}
	switch req.Type {
	case models.AlertTypeHighTemperature, models.AlertTypeHighWind,
		models.AlertTypeDrought, models.AlertTypeStorm, models.AlertTypeCalendarEvent:
	default:
		return errors.New(errors.KindValidation, op, "unknown alert type")
	}
	switch req.Source {
	case models.AlertSourceWeather, models.AlertSourceCalendar:
	default:
		return errors.New(errors.KindValidation, op, "unknown alert source")
	}
	return nil
}

func (e *Engine) checkDedupe(ctx context.Context, op string, req Request) error {
	active, err := e.alerts.HasActive(ctx, req.TreeID, req.Type)
	if err != nil {
		return errors.Wrap(errors.KindInternal, op, err)
	}
	if active {
		metrics.RecordAlertDeduped(string(req.Type))
		return errors.New(errors.KindConflict, op, "An active alert of this type already exists for this tree")
	}
	if req.CalendarEventID != "" {
		active, err = e.alerts.HasActiveForCalendarEvent(ctx, req.CalendarEventID)
		if err != nil {
			return errors.Wrap(errors.KindInternal, op, err)
		}
		if active {
			metrics.RecordAlertDeduped(string(req.Type))
			return errors.New(errors.KindConflict, op, "An active alert already exists for this calendar event")
		}
	}
	return nil
}

func volunteerIDs(volunteers []models.Volunteer) []string {
	ids := make([]string, len(volunteers))
	for i, v := range volunteers {
		ids[i] = v.ID
	}
	return ids
}

// RetryPayload builds the new_alert body for an escalating rebroadcast.
func RetryPayload(alert *models.Alert, tree *models.Tree) push.NewAlertPayload {
	payload := newAlertPayload(alert, tree, true)
	payload.Message = "Still looking for a volunteer for this alert"
	return payload
}

func newAlertPayload(alert *models.Alert, tree *models.Tree, retry bool) push.NewAlertPayload {
	return push.NewAlertPayload{
		AlertID:           alert.ID,
		AlertType:         alert.Type,
		AlertSource:       alert.Source,
		WeatherSnapshot:   alert.WeatherSnapshot,
		ThresholdBreached: alert.ThresholdBreached,
		Tree:              tree.Ref(),
		CreatedAt:         alert.CreatedAt,
		RetryBroadcast:    retry,
	}
}
