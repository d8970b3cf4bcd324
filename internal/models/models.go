// Package models defines the core entities of the dispatch engine: trees,
// volunteers, and the alerts that connect them.
package models

import "time"

// AlertType classifies what triggered an alert.
type AlertType string

const (
	AlertTypeHighTemperature AlertType = "high_temperature"
	AlertTypeHighWind        AlertType = "high_wind"
	AlertTypeDrought         AlertType = "drought"
	AlertTypeStorm           AlertType = "storm"
	AlertTypeCalendarEvent   AlertType = "calendar_event"
)

// AlertSource identifies the subsystem that raised an alert.
type AlertSource string

const (
	AlertSourceWeather  AlertSource = "weather"
	AlertSourceCalendar AlertSource = "calendar"
)

// AlertStatus is the state machine position of an alert.
type AlertStatus string

const (
	AlertStatusSearching  AlertStatus = "searching"
	AlertStatusAccepted   AlertStatus = "accepted"
	AlertStatusInProgress AlertStatus = "in_progress"
	AlertStatusResolved   AlertStatus = "resolved"
	AlertStatusCancelled  AlertStatus = "cancelled"
)

// IsTerminal reports whether the status is immutable.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusCancelled
}

// ActiveStatuses are the statuses that count toward dedupe: a second alert for
// the same (tree, type) may not be created while one of these is present.
func ActiveStatuses() []AlertStatus {
	return []AlertStatus{AlertStatusSearching, AlertStatusAccepted, AlertStatusInProgress}
}

// AssignedStatuses are statuses that can only exist with an assignee attached.
func AssignedStatuses() []AlertStatus {
	return []AlertStatus{AlertStatusAccepted, AlertStatusInProgress}
}

// Availability is a volunteer's dispatch availability.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
)

// GeoPoint is a GeoJSON point. Coordinates are [longitude, latitude], the
// order MongoDB's 2dsphere index expects.
type GeoPoint struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

// NewGeoPoint builds a GeoJSON point from a longitude/latitude pair.
func NewGeoPoint(lon, lat float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{lon, lat}}
}

// Lon returns the longitude, or 0 for a malformed point.
func (p GeoPoint) Lon() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[0]
}

// Lat returns the latitude, or 0 for a malformed point.
func (p GeoPoint) Lat() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[1]
}

// Valid reports whether the point has in-range WGS84 coordinates.
func (p GeoPoint) Valid() bool {
	if p.Type != "Point" || len(p.Coordinates) != 2 {
		return false
	}
	lon, lat := p.Coordinates[0], p.Coordinates[1]
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// Tree is the read-only view of a tree the engine dispatches for. Trees are
// owned by the tree-care platform; the engine never writes them.
type Tree struct {
	ID       string   `bson:"_id" json:"id"`
	Name     string   `bson:"name" json:"name"`
	Species  string   `bson:"species" json:"species"`
	Location GeoPoint `bson:"location" json:"location"`
	Active   bool     `bson:"active" json:"active"`
}

// TreeRef is the projection of a tree carried in push payloads.
type TreeRef struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Species  string   `json:"species"`
	Location GeoPoint `json:"location"`
}

// Ref projects the tree for broadcast payloads.
func (t Tree) Ref() TreeRef {
	return TreeRef{ID: t.ID, Name: t.Name, Species: t.Species, Location: t.Location}
}

// Volunteer is a dispatchable subject. Availability is mutated only by the
// lifecycle manager; everything else is owned by the identity vertical.
type Volunteer struct {
	ID           string       `bson:"_id" json:"id"`
	Name         string       `bson:"name" json:"name"`
	Email        string       `bson:"email" json:"email"`
	PasswordHash string       `bson:"passwordHash" json:"-"`
	Role         string       `bson:"role" json:"role"`
	Availability Availability `bson:"availabilityStatus" json:"availabilityStatus"`
	Active       bool         `bson:"active" json:"active"`
	Location     GeoPoint     `bson:"location" json:"location"`
	PreferredKM  float64      `bson:"preferredRadiusKm,omitempty" json:"preferredRadiusKm,omitempty"`
	CreatedAt    time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time    `bson:"updatedAt" json:"updatedAt"`
	DeletedAt    *time.Time   `bson:"deletedAt,omitempty" json:"-"`
}

// WeatherSnapshot captures the conditions that triggered a weather alert.
// Units are normalized by the provider adapter: °C, km/h, %, mm.
type WeatherSnapshot struct {
	Temperature float64 `bson:"temperature" json:"temperature"`
	WindSpeed   float64 `bson:"windSpeed" json:"windSpeed"`
	Humidity    float64 `bson:"humidity" json:"humidity"`
	Rainfall    float64 `bson:"rainfall" json:"rainfall"`
	Description string  `bson:"description" json:"description"`

	// Missing-field markers. The evaluator skips a rule when its input was
	// absent from the provider response rather than treating it as zero.
	HasTemperature bool `bson:"hasTemperature" json:"-"`
	HasWindSpeed   bool `bson:"hasWindSpeed" json:"-"`
	HasRainfall    bool `bson:"hasRainfall" json:"-"`
}

// ThresholdBreached records which rule fired and the values involved.
// For calendar alerts, Field is "calendar_event", Value the event summary and
// Threshold the matched care keywords.
type ThresholdBreached struct {
	Field     string `bson:"field" json:"field"`
	Value     any    `bson:"value" json:"value"`
	Threshold any    `bson:"threshold" json:"threshold"`
}

// Alert is a unit of work raised by the engine and offered to volunteers.
type Alert struct {
	ID                 string            `bson:"_id" json:"id"`
	TreeID             string            `bson:"treeId" json:"treeId"`
	Type               AlertType         `bson:"alertType" json:"alertType"`
	Source             AlertSource       `bson:"alertSource" json:"alertSource"`
	Status             AlertStatus       `bson:"status" json:"status"`
	AssignedVolunteer  string            `bson:"assignedVolunteer,omitempty" json:"assignedVolunteer,omitempty"`
	WeatherSnapshot    *WeatherSnapshot  `bson:"weatherSnapshot,omitempty" json:"weatherSnapshot,omitempty"`
	CalendarEventID    string            `bson:"calendarEventId,omitempty" json:"calendarEventId,omitempty"`
	ThresholdBreached  ThresholdBreached `bson:"thresholdBreached" json:"thresholdBreached"`
	Location           GeoPoint          `bson:"location" json:"location"`
	NotifiedVolunteers []string          `bson:"notifiedVolunteers" json:"notifiedVolunteers"`
	RetryCount         int               `bson:"retryCount" json:"retryCount"`
	CreatedAt          time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// Clone returns a deep copy so alerts can be shared across goroutines safely.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	if a.WeatherSnapshot != nil {
		snap := *a.WeatherSnapshot
		clone.WeatherSnapshot = &snap
	}
	if len(a.NotifiedVolunteers) > 0 {
		clone.NotifiedVolunteers = append([]string(nil), a.NotifiedVolunteers...)
	}
	return &clone
}

// WasNotified reports whether the volunteer already received the initial
// broadcast for this alert.
func (a *Alert) WasNotified(volunteerID string) bool {
	for _, id := range a.NotifiedVolunteers {
		if id == volunteerID {
			return true
		}
	}
	return false
}
