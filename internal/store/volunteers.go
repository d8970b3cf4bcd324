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

// DefaultNearbyLimit caps matcher results.
const DefaultNearbyLimit = 50

// VolunteerStore persists volunteers and answers the matcher's geo queries.
type VolunteerStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// GetByID fetches one volunteer. Returns ErrNoMatch when absent or
// soft-deleted.
func (s *VolunteerStore) GetByID(ctx context.Context, id string) (*models.Volunteer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var volunteer models.Volunteer
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "deletedAt": nil}).Decode(&volunteer)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &volunteer, nil
}

// FindNearbyAvailable returns available, active volunteers within radiusMeters
// of the point, ordered by ascending great-circle distance. $nearSphere sorts
// by distance and treats $maxDistance as inclusive; a volunteer standing
// exactly on the boundary is matched.
func (s *VolunteerStore) FindNearbyAvailable(ctx context.Context, point models.GeoPoint, radiusMeters float64, limit int) ([]models.Volunteer, error) {
	if limit <= 0 {
		limit = DefaultNearbyLimit
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, nearbyQuery(point, radiusMeters),
		options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return decodeVolunteers(ctx, cur)
}

// FindAllAvailable returns every available, active volunteer, unordered. Used
// for the retry sweep's escalating broadcast.
func (s *VolunteerStore) FindAllAvailable(ctx context.Context) ([]models.Volunteer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, availableQuery())
	if err != nil {
		return nil, err
	}
	return decodeVolunteers(ctx, cur)
}

// SetAvailability writes the availability state. Only the lifecycle manager
// calls this.
func (s *VolunteerStore) SetAvailability(ctx context.Context, id string, availability models.Availability) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"availabilityStatus": availability,
		"updatedAt":          time.Now().UTC(),
	}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "deletedAt": nil}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoMatch
	}
	return nil
}

// SoftDelete marks a volunteer deleted. Conditional on the volunteer being
// available: a busy volunteer holds an in-flight alert and may not vanish.
func (s *VolunteerStore) SoftDelete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"_id":                id,
		"deletedAt":          nil,
		"availabilityStatus": models.AvailabilityAvailable,
	}
	update := bson.M{"$set": bson.M{
		"deletedAt": now,
		"active":    false,
		"updatedAt": now,
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoMatch
	}
	return nil
}

func (s *VolunteerStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// availableQuery filters to dispatchable volunteers.
func availableQuery() bson.M {
	return bson.M{
		"availabilityStatus": models.AvailabilityAvailable,
		"active":             true,
		"deletedAt":          nil,
	}
}

// nearbyQuery layers the geo constraint onto availableQuery. $nearSphere
// requires the 2dsphere index and returns documents ordered by distance.
func nearbyQuery(point models.GeoPoint, radiusMeters float64) bson.M {
	query := availableQuery()
	query["location"] = bson.M{
		"$nearSphere": bson.M{
			"$geometry":    point,
			"$maxDistance": radiusMeters,
		},
	}
	return query
}

func decodeVolunteers(ctx context.Context, cur *mongo.Cursor) ([]models.Volunteer, error) {
	defer cur.Close(ctx)

	var volunteers []models.Volunteer
	for cur.Next(ctx) {
		var volunteer models.Volunteer
		if err := cur.Decode(&volunteer); err != nil {
			return nil, err
		}
		volunteers = append(volunteers, volunteer)
	}
	return volunteers, cur.Err()
}
