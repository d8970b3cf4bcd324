package api

import (
	"context"
	"net/http"

	"github.com/canopyhq/canopy/internal/errors"
)

// SweepTrigger runs one sweep pass on demand. The weather and calendar
// sweepers implement it.
type SweepTrigger interface {
	Sweep(ctx context.Context) (int, error)
}

// StatsSource aggregates alert counts for the admin dashboard.
type StatsSource interface {
	StatusCounts(ctx context.Context) (map[string]int64, error)
	TypeCounts(ctx context.Context) (map[string]int64, error)
}

// AdminHandlers handles the /api/admin endpoints.
type AdminHandlers struct {
	stats    StatsSource
	weather  SweepTrigger
	calendar SweepTrigger
}

// NewAdminHandlers creates the admin handlers. Nil triggers disable the
// corresponding check endpoint.
func NewAdminHandlers(stats StatsSource, weather, calendar SweepTrigger) *AdminHandlers {
	return &AdminHandlers{stats: stats, weather: weather, calendar: calendar}
}

type statsResponse struct {
	ByStatus map[string]int64 `json:"byStatus"`
	ByType   map[string]int64 `json:"byType"`
}

// HandleStats returns alert counts grouped by status and by type.
func (h *AdminHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	byStatus, err := h.stats.StatusCounts(r.Context())
	if err != nil {
		writeError(w, errors.Wrap(errors.KindInternal, "api.Stats", err))
		return
	}
	byType, err := h.stats.TypeCounts(r.Context())
	if err != nil {
		writeError(w, errors.Wrap(errors.KindInternal, "api.Stats", err))
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{ByStatus: byStatus, ByType: byType})
}

type checkResponse struct {
	Created int `json:"created"`
}

// HandleWeatherCheck runs a synchronous weather pass.
func (h *AdminHandlers) HandleWeatherCheck(w http.ResponseWriter, r *http.Request) {
	h.runCheck(w, r, h.weather, "Weather checks are not configured")
}

// HandleCalendarCheck runs a synchronous calendar pass.
func (h *AdminHandlers) HandleCalendarCheck(w http.ResponseWriter, r *http.Request) {
	h.runCheck(w, r, h.calendar, "Calendar checks are not configured")
}

func (h *AdminHandlers) runCheck(w http.ResponseWriter, r *http.Request, trigger SweepTrigger, missing string) {
	if trigger == nil {
		writeError(w, errors.New(errors.KindValidation, "api.Check", missing))
		return
	}
	created, err := trigger.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Created: created})
}
