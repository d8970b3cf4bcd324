package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/dispatch"
	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/store"
)

// AlertReader is the read side of the alert store the API serves.
type AlertReader interface {
	List(ctx context.Context, filter store.ListFilter) ([]models.Alert, error)
	GetByID(ctx context.Context, id string) (*models.Alert, error)
}

// AlertCreator raises alerts; the dispatch engine implements it.
type AlertCreator interface {
	CreateAlert(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Lifecycle drives alert status transitions; the lifecycle manager
// implements it.
type Lifecycle interface {
	Accept(ctx context.Context, alertID, volunteerID string) (*models.Alert, error)
	Start(ctx context.Context, alertID, volunteerID string) (*models.Alert, error)
	Resolve(ctx context.Context, alertID, volunteerID string) (*models.Alert, error)
	AdminCancel(ctx context.Context, alertID string) (*models.Alert, error)
}

// AlertHandlers handles the /api/alerts endpoints.
type AlertHandlers struct {
	alerts    AlertReader
	engine    AlertCreator
	lifecycle Lifecycle
}

// NewAlertHandlers creates the alert handlers.
func NewAlertHandlers(alerts AlertReader, engine AlertCreator, lifecycle Lifecycle) *AlertHandlers {
	return &AlertHandlers{alerts: alerts, engine: engine, lifecycle: lifecycle}
}

type createAlertRequest struct {
	TreeID            string                    `json:"treeId"`
	AlertType         models.AlertType          `json:"alertType"`
	AlertSource       models.AlertSource        `json:"alertSource"`
	WeatherSnapshot   *models.WeatherSnapshot   `json:"weatherSnapshot,omitempty"`
	CalendarEventID   string                    `json:"calendarEventId,omitempty"`
	ThresholdBreached *models.ThresholdBreached `json:"thresholdBreached,omitempty"`
}

type createAlertResponse struct {
	Alert         *models.Alert `json:"alert"`
	NotifiedCount int           `json:"notifiedCount"`
}

// HandleCreate raises an alert manually. Admin only; the sweeps use the
// engine directly.
func (h *AlertHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.New(errors.KindValidation, "api.CreateAlert", "Invalid JSON body"))
		return
	}

	source := body.AlertSource
	if source == "" {
		source = models.AlertSourceWeather
		if body.AlertType == models.AlertTypeCalendarEvent {
			source = models.AlertSourceCalendar
		}
	}
	breached := models.ThresholdBreached{Field: "manual", Value: string(body.AlertType)}
	if body.ThresholdBreached != nil {
		breached = *body.ThresholdBreached
	}
	result, err := h.engine.CreateAlert(r.Context(), dispatch.Request{
		TreeID:            body.TreeID,
		Type:              body.AlertType,
		Source:            source,
		WeatherSnapshot:   body.WeatherSnapshot,
		CalendarEventID:   body.CalendarEventID,
		ThresholdBreached: breached,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAlertResponse{Alert: result.Alert, NotifiedCount: result.NotifiedCount})
}

// HandleList returns alerts, optionally filtered by status, source, or tree.
func (h *AlertHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: models.AlertStatus(r.URL.Query().Get("status")),
		Source: models.AlertSource(r.URL.Query().Get("alertSource")),
		TreeID: r.URL.Query().Get("treeId"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		writeError(w, errors.New(errors.KindValidation, "api.ListAlerts", "Unknown status filter"))
		return
	}

	alerts, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		writeError(w, errors.Wrap(errors.KindInternal, "api.ListAlerts", err))
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// HandleGet returns one alert by ID.
func (h *AlertHandlers) HandleGet(w http.ResponseWriter, r *http.Request, alertID string) {
	alert, err := h.alerts.GetByID(r.Context(), alertID)
	if stderrors.Is(err, store.ErrNoMatch) {
		writeError(w, errors.New(errors.KindNotFound, "api.GetAlert", "Alert not found"))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.KindInternal, "api.GetAlert", err))
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// HandleAction routes the PUT /api/alerts/{id}/{action} volunteer transitions.
func (h *AlertHandlers) HandleAction(w http.ResponseWriter, r *http.Request, alertID, action string) {
	subject, _ := auth.SubjectFrom(r.Context())
	if !subject.IsVolunteer() {
		writeError(w, errors.New(errors.KindForbidden, "api.AlertAction", "Volunteer access required"))
		return
	}

	var (
		alert *models.Alert
		err   error
	)
	switch action {
	case "accept":
		alert, err = h.lifecycle.Accept(r.Context(), alertID, subject.ID)
	case "start":
		alert, err = h.lifecycle.Start(r.Context(), alertID, subject.ID)
	case "resolve":
		alert, err = h.lifecycle.Resolve(r.Context(), alertID, subject.ID)
	default:
		writeError(w, errors.New(errors.KindNotFound, "api.AlertAction", "Not found"))
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// HandleCancel serves PUT /api/admin/alerts/{id}/cancel.
func (h *AlertHandlers) HandleCancel(w http.ResponseWriter, r *http.Request, alertID string) {
	alert, err := h.lifecycle.AdminCancel(r.Context(), alertID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func validStatus(status models.AlertStatus) bool {
	switch status {
	case models.AlertStatusSearching, models.AlertStatusAccepted, models.AlertStatusInProgress,
		models.AlertStatusResolved, models.AlertStatusCancelled:
		return true
	}
	return false
}

// splitAlertPath parses "{id}" or "{id}/{action}" from the trimmed path.
func splitAlertPath(path string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	}
	return "", "", false
}
