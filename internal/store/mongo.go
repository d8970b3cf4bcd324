// Package store persists alerts, volunteers, and trees in MongoDB. Alert state
// transitions are conditional updates so the document store is the
// serialization point for the lifecycle state machine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	alertsCollection     = "alerts"
	volunteersCollection = "volunteers"
	treesCollection      = "trees"

	defaultTimeout = 5 * time.Second
)

// ErrNoMatch reports that a conditional update matched zero documents. Callers
// re-read the document to tell a conflict from a missing row.
var ErrNoMatch = errors.New("no document matched")

// Store bundles the collection handles of one database.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("store: connection uri is required")
	}
	if database == "" {
		return nil, errors.New("store: database name is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return &Store{
		client:  client,
		db:      client.Database(database),
		timeout: defaultTimeout,
	}, nil
}

// Ping verifies the connection for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Alerts returns the alert store.
func (s *Store) Alerts() *AlertStore {
	return &AlertStore{coll: s.db.Collection(alertsCollection), timeout: s.timeout}
}

// Volunteers returns the volunteer store.
func (s *Store) Volunteers() *VolunteerStore {
	return &VolunteerStore{coll: s.db.Collection(volunteersCollection), timeout: s.timeout}
}

// Trees returns the read-only tree repository.
func (s *Store) Trees() *TreeRepository {
	return &TreeRepository{coll: s.db.Collection(treesCollection), timeout: s.timeout}
}

// EnsureIndexes creates the index set the queries rely on. Safe to call on
// every boot; Mongo treats existing identical indexes as a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	alertIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "treeId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "assignedVolunteer", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "calendarEventId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
	}
	if _, err := s.db.Collection(alertsCollection).Indexes().CreateMany(ctx, alertIndexes); err != nil {
		return err
	}

	volunteerIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "availabilityStatus", Value: 1}}},
	}
	if _, err := s.db.Collection(volunteersCollection).Indexes().CreateMany(ctx, volunteerIndexes); err != nil {
		return err
	}

	treeIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "active", Value: 1}}},
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
	}
	if _, err := s.db.Collection(treesCollection).Indexes().CreateMany(ctx, treeIndexes); err != nil {
		return err
	}

	log.Debug().Msg("Store indexes ensured")
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
