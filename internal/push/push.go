// Package push defines the real-time broadcast contract: event names, payload
// schemas, and the room-addressed Bus the engine emits on. The websocket
// package provides the production implementation; tests substitute fakes.
// Emission is best-effort everywhere; a bus failure never fails a dispatch.
package push

import (
	"time"

	"github.com/canopyhq/canopy/internal/models"
)

// Event names of the external push contract.
const (
	EventNewAlert       = "new_alert"
	EventAlertAccepted  = "alert_accepted"
	EventAlertProgress  = "alert_progress"
	EventAlertResolved  = "alert_resolved"
	EventAlertCancelled = "alert_cancelled"
	EventNoVolunteer    = "alert_no_volunteer"
)

// Bus is the room-addressed emission capability handed to the dispatch
// engine, the lifecycle manager, and the retry sweep.
type Bus interface {
	// ToVolunteer emits to one volunteer's private room.
	ToVolunteer(volunteerID, event string, payload any)
	// ToVolunteers emits to several volunteers' private rooms.
	ToVolunteers(volunteerIDs []string, event string, payload any)
	// ToAdmins emits to the shared admin room.
	ToAdmins(event string, payload any)
	// ToGlobal emits to every connected subject.
	ToGlobal(event string, payload any)
}

// NewAlertPayload is the new_alert event body sent to matched volunteers.
type NewAlertPayload struct {
	AlertID           string                   `json:"alertId"`
	AlertType         models.AlertType         `json:"alertType"`
	AlertSource       models.AlertSource       `json:"alertSource"`
	WeatherSnapshot   *models.WeatherSnapshot  `json:"weatherSnapshot,omitempty"`
	ThresholdBreached models.ThresholdBreached `json:"thresholdBreached"`
	Tree              models.TreeRef           `json:"tree"`
	CreatedAt         time.Time                `json:"createdAt"`
	RetryBroadcast    bool                     `json:"retryBroadcast,omitempty"`
	Message           string                   `json:"message,omitempty"`
}

// AlertAcceptedPayload dismisses the alert for the volunteers who lost the
// race and audits the acceptance for admins.
type AlertAcceptedPayload struct {
	AlertID       string `json:"alertId"`
	Message       string `json:"message,omitempty"`
	VolunteerID   string `json:"volunteerId,omitempty"`
	VolunteerName string `json:"volunteerName,omitempty"`
}

// AlertProgressPayload notifies admins that work started.
type AlertProgressPayload struct {
	AlertID     string `json:"alertId"`
	VolunteerID string `json:"volunteerId"`
}

// AlertResolvedPayload is broadcast globally so the tree-care vertical can
// mark the tree healthy.
type AlertResolvedPayload struct {
	AlertID string `json:"alertId"`
	TreeID  string `json:"treeId"`
}

// AlertCancelledPayload notifies admins of an administrative cancellation.
type AlertCancelledPayload struct {
	AlertID string `json:"alertId"`
}

// NoVolunteerPayload escalates an exhausted alert to admins.
type NoVolunteerPayload struct {
	AlertID string         `json:"alertId"`
	Tree    models.TreeRef `json:"tree"`
	Message string         `json:"message"`
}

// NopBus discards every emission. Useful when the push fabric is disabled.
type NopBus struct{}

func (NopBus) ToVolunteer(string, string, any)    {}
func (NopBus) ToVolunteers([]string, string, any) {}
func (NopBus) ToAdmins(string, any)               {}
func (NopBus) ToGlobal(string, any)               {}
