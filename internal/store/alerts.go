package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/canopyhq/canopy/internal/models"
)

// AlertStore persists alerts. Alerts are append-only in the terminal states;
// every status mutation goes through a conditional update.
type AlertStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status models.AlertStatus
	Source models.AlertSource
	TreeID string
}

// Insert persists a new alert.
func (s *AlertStore) Insert(ctx context.Context, alert *models.Alert) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, alert)
	return err
}

// GetByID fetches one alert. Returns ErrNoMatch when absent.
func (s *AlertStore) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var alert models.Alert
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// List returns alerts matching the filter, newest first.
func (s *AlertStore) List(ctx context.Context, filter ListFilter) ([]models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, listQuery(filter), options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	return decodeAlerts(ctx, cur)
}

// HasActive reports whether a non-terminal alert exists for (treeID, type).
// This is the dedupe check of the dispatch engine.
func (s *AlertStore) HasActive(ctx context.Context, treeID string, alertType models.AlertType) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.coll.CountDocuments(ctx, activeQuery(treeID, alertType), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasActiveForCalendarEvent reports whether a non-terminal alert already
// references the calendar event.
func (s *AlertStore) HasActiveForCalendarEvent(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"calendarEventId": eventID,
		"status":          bson.M{"$in": models.ActiveStatuses()},
	}
	count, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasAssigned reports whether the volunteer currently holds an alert in
// accepted or in_progress.
func (s *AlertStore) HasAssigned(ctx context.Context, volunteerID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"assignedVolunteer": volunteerID,
		"status":            bson.M{"$in": models.AssignedStatuses()},
	}
	count, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListSearching returns every alert still looking for a volunteer. Drives the
// retry sweep.
func (s *AlertStore) ListSearching(ctx context.Context) ([]models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"status": models.AlertStatusSearching},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAlerts(ctx, cur)
}

// AddNotified unions volunteer ids into notifiedVolunteers. $addToSet keeps
// the field a set across retries.
func (s *AlertStore) AddNotified(ctx context.Context, alertID string, volunteerIDs []string) error {
	if len(volunteerIDs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$addToSet": bson.M{"notifiedVolunteers": bson.M{"$each": volunteerIDs}},
		"$set":      bson.M{"updatedAt": time.Now().UTC()},
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": alertID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoMatch
	}
	return nil
}

// RecordRetry unions the broadcast set and increments retryCount in one write.
func (s *AlertStore) RecordRetry(ctx context.Context, alertID string, volunteerIDs []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$inc": bson.M{"retryCount": 1},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	if len(volunteerIDs) > 0 {
		update["$addToSet"] = bson.M{"notifiedVolunteers": bson.M{"$each": volunteerIDs}}
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": alertID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoMatch
	}
	return nil
}

// Transition describes one conditional status update.
type Transition struct {
	AlertID       string
	FromStatuses  []models.AlertStatus // statuses the update is conditional on
	FromAssignee  string               // non-empty: assignee must match
	ToStatus      models.AlertStatus
	SetAssignee   string // non-empty: set assignedVolunteer
	ClearAssignee bool   // unset assignedVolunteer
	ReturnPrior   bool   // return the pre-update document instead of the updated one
}

// ApplyTransition performs the compare-and-set update and returns the updated
// alert, or the pre-update one when ReturnPrior is set (the caller may need
// the assignee the update clears). ErrNoMatch means the precondition did not
// hold (or the alert does not exist); callers re-read to tell those apart.
func (s *AlertStore) ApplyTransition(ctx context.Context, t Transition) (*models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":    t.AlertID,
		"status": bson.M{"$in": t.FromStatuses},
	}
	if t.FromAssignee != "" {
		filter["assignedVolunteer"] = t.FromAssignee
	}

	set := bson.M{
		"status":    t.ToStatus,
		"updatedAt": time.Now().UTC(),
	}
	if t.SetAssignee != "" {
		set["assignedVolunteer"] = t.SetAssignee
	}
	update := bson.M{"$set": set}
	if t.ClearAssignee {
		update["$unset"] = bson.M{"assignedVolunteer": ""}
	}

	returnDoc := options.After
	if t.ReturnPrior {
		returnDoc = options.Before
	}
	var updated models.Alert
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(returnDoc)).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// StatusCounts aggregates alert counts grouped by status.
func (s *AlertStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	return s.groupCounts(ctx, "$status")
}

// TypeCounts aggregates alert counts grouped by alert type.
func (s *AlertStore) TypeCounts(ctx context.Context) (map[string]int64, error) {
	return s.groupCounts(ctx, "$alertType")
}

func groupPipeline(field string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": field, "count": bson.M{"$sum": 1}}}},
	}
}

func (s *AlertStore) groupCounts(ctx context.Context, field string) (map[string]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Aggregate(ctx, groupPipeline(field))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.ID] = row.Count
	}
	return counts, cur.Err()
}

func (s *AlertStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// listQuery builds the Find filter for List.
func listQuery(filter ListFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Source != "" {
		query["alertSource"] = filter.Source
	}
	if filter.TreeID != "" {
		query["treeId"] = filter.TreeID
	}
	return query
}

// activeQuery builds the dedupe filter for (treeID, type).
func activeQuery(treeID string, alertType models.AlertType) bson.M {
	return bson.M{
		"treeId":    treeID,
		"alertType": alertType,
		"status":    bson.M{"$in": models.ActiveStatuses()},
	}
}

func decodeAlerts(ctx context.Context, cur *mongo.Cursor) ([]models.Alert, error) {
	defer cur.Close(ctx)

	var alerts []models.Alert
	for cur.Next(ctx) {
		var alert models.Alert
		if err := cur.Decode(&alert); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, cur.Err()
}
