package dispatch

import (
	"context"
	"errors"
	"testing"

	canopyerrors "github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/store"
)

type fakeAlerts struct {
	inserted     []*models.Alert
	active       map[string]bool // treeID|type
	activeEvents map[string]bool
	notified     map[string][]string
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{
		active:       make(map[string]bool),
		activeEvents: make(map[string]bool),
		notified:     make(map[string][]string),
	}
}

func (f *fakeAlerts) Insert(_ context.Context, alert *models.Alert) error {
	f.inserted = append(f.inserted, alert.Clone())
	f.active[alert.TreeID+"|"+string(alert.Type)] = true
	if alert.CalendarEventID != "" {
		f.activeEvents[alert.CalendarEventID] = true
	}
	return nil
}

func (f *fakeAlerts) HasActive(_ context.Context, treeID string, alertType models.AlertType) (bool, error) {
	return f.active[treeID+"|"+string(alertType)], nil
}

func (f *fakeAlerts) HasActiveForCalendarEvent(_ context.Context, eventID string) (bool, error) {
	return f.activeEvents[eventID], nil
}

func (f *fakeAlerts) AddNotified(_ context.Context, alertID string, ids []string) error {
	f.notified[alertID] = append(f.notified[alertID], ids...)
	return nil
}

type fakeTrees struct {
	trees map[string]*models.Tree
}

func (f *fakeTrees) GetByID(_ context.Context, id string) (*models.Tree, error) {
	tree, ok := f.trees[id]
	if !ok {
		return nil, store.ErrNoMatch
	}
	return tree, nil
}

type fakeVolunteers struct {
	nearby  []models.Volunteer
	findErr error

	lastRadius float64
	lastLimit  int
}

func (f *fakeVolunteers) FindNearbyAvailable(_ context.Context, _ models.GeoPoint, radiusMeters float64, limit int) ([]models.Volunteer, error) {
	f.lastRadius = radiusMeters
	f.lastLimit = limit
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.nearby, nil
}

type emission struct {
	room    string
	event   string
	payload any
}

type fakeBus struct {
	emissions []emission
}

func (f *fakeBus) ToVolunteer(id, event string, payload any) {
	f.emissions = append(f.emissions, emission{"volunteer:" + id, event, payload})
}

func (f *fakeBus) ToVolunteers(ids []string, event string, payload any) {
	for _, id := range ids {
		f.ToVolunteer(id, event, payload)
	}
}

func (f *fakeBus) ToAdmins(event string, payload any) {
	f.emissions = append(f.emissions, emission{"admins", event, payload})
}

func (f *fakeBus) ToGlobal(event string, payload any) {
	f.emissions = append(f.emissions, emission{"global", event, payload})
}

func oakTree() *models.Tree {
	return &models.Tree{
		ID:       "tree-1",
		Name:     "Old Oak",
		Species:  "Quercus robur",
		Location: models.NewGeoPoint(13.405, 52.52),
		Active:   true,
	}
}

func testEngine(alerts *fakeAlerts, vols *fakeVolunteers, bus *fakeBus) *Engine {
	trees := &fakeTrees{trees: map[string]*models.Tree{"tree-1": oakTree()}}
	return NewEngine(alerts, trees, vols, bus, 5)
}

func heatRequest() Request {
	return Request{
		TreeID: "tree-1",
		Type:   models.AlertTypeHighTemperature,
		Source: models.AlertSourceWeather,
		WeatherSnapshot: &models.WeatherSnapshot{
			Temperature: 38.2, HasTemperature: true, Description: "clear sky",
		},
		ThresholdBreached: models.ThresholdBreached{Field: "temperature", Value: 38.2, Threshold: 35.0},
	}
}

func TestCreateAlertPersistsAndBroadcasts(t *testing.T) {
	alerts := newFakeAlerts()
	vols := &fakeVolunteers{nearby: []models.Volunteer{{ID: "vol-1"}, {ID: "vol-2"}}}
	bus := &fakeBus{}
	engine := testEngine(alerts, vols, bus)

	res, err := engine.CreateAlert(context.Background(), heatRequest())
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if res.NotifiedCount != 2 {
		t.Fatalf("notified = %d, want 2", res.NotifiedCount)
	}
	if len(alerts.inserted) != 1 {
		t.Fatalf("inserted %d alerts, want 1", len(alerts.inserted))
	}

	created := alerts.inserted[0]
	if created.Status != models.AlertStatusSearching {
		t.Errorf("status = %q, want searching", created.Status)
	}
	if created.ID == "" {
		t.Error("alert ID not assigned")
	}
	if created.Location.Lat() != 52.52 {
		t.Errorf("location not snapshotted from tree: %+v", created.Location)
	}
	if got := alerts.notified[created.ID]; len(got) != 2 {
		t.Errorf("notifiedVolunteers = %v, want 2 entries", got)
	}

	if len(bus.emissions) != 2 {
		t.Fatalf("emissions = %d, want 2", len(bus.emissions))
	}
	for _, em := range bus.emissions {
		if em.event != "new_alert" {
			t.Errorf("event = %q, want new_alert", em.event)
		}
	}
}

func TestCreateAlertConvertsRadiusToMeters(t *testing.T) {
	alerts := newFakeAlerts()
	vols := &fakeVolunteers{}
	engine := testEngine(alerts, vols, &fakeBus{})

	if _, err := engine.CreateAlert(context.Background(), heatRequest()); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if vols.lastRadius != 5000 {
		t.Errorf("radius = %v meters, want 5000", vols.lastRadius)
	}
	if vols.lastLimit != store.DefaultNearbyLimit {
		t.Errorf("limit = %d, want %d", vols.lastLimit, store.DefaultNearbyLimit)
	}
}

func TestCreateAlertDedupesActivePair(t *testing.T) {
	alerts := newFakeAlerts()
	bus := &fakeBus{}
	engine := testEngine(alerts, &fakeVolunteers{}, bus)

	if _, err := engine.CreateAlert(context.Background(), heatRequest()); err != nil {
		t.Fatalf("first CreateAlert: %v", err)
	}
	_, err := engine.CreateAlert(context.Background(), heatRequest())
	if !errors.Is(err, canopyerrors.ErrConflict) {
		t.Fatalf("second CreateAlert err = %v, want conflict", err)
	}
	if len(alerts.inserted) != 1 {
		t.Errorf("inserted %d alerts, want 1", len(alerts.inserted))
	}

	// A different type for the same tree is a separate concern.
	storm := heatRequest()
	storm.Type = models.AlertTypeStorm
	storm.ThresholdBreached = models.ThresholdBreached{Field: "description", Value: "thunderstorm", Threshold: "thunderstorm"}
	if _, err := engine.CreateAlert(context.Background(), storm); err != nil {
		t.Fatalf("storm CreateAlert: %v", err)
	}
}

func TestCreateAlertDedupesCalendarEvent(t *testing.T) {
	alerts := newFakeAlerts()
	engine := testEngine(alerts, &fakeVolunteers{}, &fakeBus{})

	req := Request{
		TreeID:            "tree-1",
		Type:              models.AlertTypeCalendarEvent,
		Source:            models.AlertSourceCalendar,
		CalendarEventID:   "evt-42",
		ThresholdBreached: models.ThresholdBreached{Field: "calendar_event", Value: "Prune the Old Oak", Threshold: []string{"pruning"}},
	}
	if _, err := engine.CreateAlert(context.Background(), req); err != nil {
		t.Fatalf("first CreateAlert: %v", err)
	}
	// Same event persists in an active alert; raising it again is a conflict
	// even if dedupe by (tree, type) were to miss.
	alerts.active = map[string]bool{}
	_, err := engine.CreateAlert(context.Background(), req)
	if !errors.Is(err, canopyerrors.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCreateAlertRejectsUnknownTree(t *testing.T) {
	engine := testEngine(newFakeAlerts(), &fakeVolunteers{}, &fakeBus{})

	req := heatRequest()
	req.TreeID = "missing"
	_, err := engine.CreateAlert(context.Background(), req)
	if !errors.Is(err, canopyerrors.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCreateAlertRejectsInactiveTree(t *testing.T) {
	alerts := newFakeAlerts()
	tree := oakTree()
	tree.Active = false
	trees := &fakeTrees{trees: map[string]*models.Tree{"tree-1": tree}}
	engine := NewEngine(alerts, trees, &fakeVolunteers{}, &fakeBus{}, 5)

	_, err := engine.CreateAlert(context.Background(), heatRequest())
	if !errors.Is(err, canopyerrors.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if len(alerts.inserted) != 0 {
		t.Error("alert created for inactive tree")
	}
}

func TestCreateAlertValidation(t *testing.T) {
	engine := testEngine(newFakeAlerts(), &fakeVolunteers{}, &fakeBus{})

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing tree", func(r *Request) { r.TreeID = "" }},
		{"unknown type", func(r *Request) { r.Type = "earthquake" }},
		{"unknown source", func(r *Request) { r.Source = "carrier_pigeon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := heatRequest()
			tc.mutate(&req)
			_, err := engine.CreateAlert(context.Background(), req)
			if !errors.Is(err, canopyerrors.ErrInvalidInput) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCreateAlertSurvivesMatchFailure(t *testing.T) {
	alerts := newFakeAlerts()
	vols := &fakeVolunteers{findErr: errors.New("mongo down")}
	bus := &fakeBus{}
	engine := testEngine(alerts, vols, bus)

	res, err := engine.CreateAlert(context.Background(), heatRequest())
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if res.NotifiedCount != 0 {
		t.Errorf("notified = %d, want 0", res.NotifiedCount)
	}
	if len(alerts.inserted) != 1 {
		t.Error("alert not persisted despite match failure")
	}
	if len(bus.emissions) != 0 {
		t.Error("broadcast despite match failure")
	}
}

func TestCreateAlertNoMatchStaysSearching(t *testing.T) {
	alerts := newFakeAlerts()
	bus := &fakeBus{}
	engine := testEngine(alerts, &fakeVolunteers{}, bus)

	res, err := engine.CreateAlert(context.Background(), heatRequest())
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if res.Alert.Status != models.AlertStatusSearching {
		t.Errorf("status = %q, want searching", res.Alert.Status)
	}
	if len(bus.emissions) != 0 {
		t.Errorf("emissions = %d, want none", len(bus.emissions))
	}
}
